package main

import (
	"github.com/praxislang/praxis/errz"
)

// friendly renders a VM error with its call stack when one was captured.
func friendly(err error) string {
	if verr, ok := err.(*errz.Error); ok {
		return verr.FriendlyMessage()
	}
	return err.Error()
}
