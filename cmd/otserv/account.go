package main

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-otserv/account"
)

// addAccount creates an account from a name:password[:character,...] spec.
func addAccount(store *account.Store, spec string) error {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return errors.Errorf("account %q is not name:password[:character,...]", spec)
	}
	var characters []string
	if len(parts) == 3 {
		for _, c := range strings.Split(parts[2], ",") {
			if c = strings.TrimSpace(c); c != "" {
				characters = append(characters, c)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.CreateAccount(ctx, parts[0], parts[1], 0, characters...); err != nil {
		return err
	}
	glog.Infof("created account %q with %d characters", parts[0], len(characters))
	return nil
}
