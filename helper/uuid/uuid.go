// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid generates the random identifiers used as document ids across
// the tasks, execution records, and users collections.
package uuid

import (
	crand "crypto/rand"
	"fmt"
)

// Generate returns a random UUID string.
func Generate() string {
	buf := make([]byte, 16)
	if _, err := crand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

// Short returns the first 8 characters of a fresh UUID, for log-friendly
// identifiers that do not need global uniqueness.
func Short() string {
	return Generate()[0:8]
}
