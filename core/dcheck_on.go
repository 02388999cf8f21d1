//go:build !release

package core

const dcheckIsOn = true
