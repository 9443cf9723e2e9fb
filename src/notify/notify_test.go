// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.IsType(t, Desktop{}, New("desktop"))
	assert.IsType(t, Log{}, New("log"))
	assert.IsType(t, Log{}, New(""))
}

func TestFunc(t *testing.T) {
	var got []string
	var n Notifier = Func(func(title, message string, d time.Duration) {
		got = append(got, title+"|"+message+"|"+d.String())
	})
	n.Send("✅ Task 3", "Model 9 created", 5*time.Second)
	assert.Equal(t, []string{"✅ Task 3|Model 9 created|5s"}, got)
}

func TestLogAndNopNeverPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Log{}.Send("title", "message", time.Second)
		Nop{}.Send("title", "message", time.Second)
	})
}
