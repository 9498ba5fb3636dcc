package main

import (
	"context"

	"github.com/karopay/karo/core/user"
)

// addUser creates a user.User with the requested roles.
func (cli *commandLine) addUser(uname, email, pwd string, isAdmin, isFinance bool) error {
	var roles []string
	if isAdmin {
		roles = user.AllRoles
	} else if isFinance {
		roles = []string{user.RoleFinance}
	}

	nu := user.NewUser{
		Name:     uname,
		Username: uname,
		Email:    email,
		Password: pwd,
		Roles:    roles,
	}
	_, err := cli.usrSvc.Create(context.Background(), nu)
	return err
}
