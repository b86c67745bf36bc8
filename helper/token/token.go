// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package token generates the shared secrets used to authenticate API users
// and individual execution attempts.
//
// Tokens are embedded in HTTP Basic authorization headers as
// base64(token + ":"), so the alphabet is restricted to alphanumerics. A raw
// random byte string does not survive the UTF-8 decode the header goes
// through, and ':' would collide with the Basic credential separator.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
)

// Length is the number of characters in a generated token.
const Length = 16

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate returns a random alphanumeric token of Length characters using a
// cryptographically strong source.
func Generate() string {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}

// AuthorizationKey returns the value a client places after "Basic " in the
// Authorization header for the given request token.
func AuthorizationKey(token string) string {
	return base64.StdEncoding.EncodeToString([]byte(token + ":"))
}
