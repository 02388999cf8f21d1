//go:build release

package core

const dcheckIsOn = false
