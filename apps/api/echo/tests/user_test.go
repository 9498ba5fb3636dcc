package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/karopay/karo/core/user"
)

func loginBody(t *testing.T, uname, pwd string) []byte {
	return marchallObj(t, map[string]string{"username": uname, "password": pwd})
}

func Test_userApi_login(t *testing.T) {
	createUser(t, "Jon", "jon", "jon@test.cd", "LePassword", []string{user.RoleStudent}, true)
	createUser(t, "Sleeper", "sleeper", "sleeper@test.cd", "LePassword", nil, false)

	authFailed := marchallObj(t, httpErr{Error: "authentication failed"})

	tests := []httpTest{
		{
			name: "Username required", body: loginBody(t, "", "LePassword"), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"username": "this field is required"}),
		},
		{name: "Unknown user", body: loginBody(t, "nope", "LePassword"), wantCode: http.StatusBadRequest, wantData: authFailed},
		{name: "Wrong password", body: loginBody(t, "jon", "lol"), wantCode: http.StatusBadRequest, wantData: authFailed},
		{
			name: "Deactivated account", body: loginBody(t, "sleeper", "LePassword"), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
		{name: "Login with username", body: loginBody(t, "jon", "LePassword"), wantCode: http.StatusOK},
		{name: "Login with email", body: loginBody(t, "jon@test.cd", "LePassword"), wantCode: http.StatusOK},
		{name: "Username is case-insensitive", body: loginBody(t, "JoN", "LePassword"), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/api/users/login", tt.body)
			app.ServeHTTP(rec, req)

			if tt.wantData != nil {
				checkCodeAndData(t, tt, rec)
				return
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
			}
			var res struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Token == "" {
				t.Errorf("login returned no token: %v; err %v", rec.Body.String(), err)
			}
		})
	}
}

func Test_userApi_refreshToken(t *testing.T) {
	usr := createUser(t, "Fresh", "fresh", "fresh@test.cd", "LePassword", []string{user.RoleStudent}, true)

	t.Run("Auth required", func(t *testing.T) {
		req, rec := newRequest(http.MethodPost, "/api/users/token-refresh")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}, rec)
	})

	t.Run("Refresh", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/api/users/token-refresh", getToken(t, usr))
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v; body %v", rec.Code, http.StatusOK, rec.Body.String())
		}
		var res struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Token == "" {
			t.Errorf("refresh returned no token: %v; err %v", rec.Body.String(), err)
		}
	})
}

func Test_userApi_retrieveSelf(t *testing.T) {
	usr := createUser(t, "Self", "self", "self@test.cd", "LePassword", []string{user.RoleStudent}, true)

	req, rec := newAuthRequest(http.MethodGet, "/api/users/me", getToken(t, usr))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, usr)}, rec)
}

func Test_userApi_register(t *testing.T) {
	student := createUser(t, "Student", "plebe", "plebe@test.cd", "LePassword", []string{user.RoleStudent}, true)
	admin := createUser(t, "Admin", "boss", "boss@test.cd", "LePassword", []string{user.RoleAdmin}, true)

	body := marchallObj(t, user.NewUser{
		Name:     "New Kid",
		Username: "newkid",
		Email:    "newkid@test.cd",
		Password: "Str0ngPassword",
		Roles:    []string{user.RoleStudent},
	})

	tests := []httpTest{
		{name: "Auth required", body: body, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Admin required", body: body, token: getToken(t, student), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{name: "Created", body: body, token: getToken(t, admin), wantCode: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/api/users/register", tt.token, tt.body)
			app.ServeHTTP(rec, req)
			if tt.wantData != nil {
				checkCodeAndData(t, tt, rec)
				return
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("failed! code = %v; wantCode %v; body %v", rec.Code, tt.wantCode, rec.Body.String())
			}
			var created user.User
			if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
				t.Fatalf("unmarshalling created user: %v", err)
			}
			if created.Username != "newkid" || created.ID == "" {
				t.Errorf("created = %+v", created)
			}
		})
	}
}
