package main

import (
	"context"

	"github.com/karopay/karo/core"
)

func (cli *commandLine) resetPassword(uname, pwd string) error {
	return cli.usrSvc.ResetPassword(context.Background(), core.CleanString(uname, true /* lower */), pwd)
}
