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

// Package notify delivers best-effort user notifications. Send never returns
// an error; delivery failures are logged.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"

	"grafanamlworker/src/logging"
)

type Notifier interface {
	Send(title, message string, duration time.Duration)
}

// Desktop shows a desktop notification. The OS decides how long it stays up.
type Desktop struct {
	AppIcon string
}

func (d Desktop) Send(title, message string, _ time.Duration) {
	if err := beeep.Notify(title, message, d.AppIcon); err != nil {
		logging.Log(fmt.Sprintf("Error sending notification %q: %v", title, err), slog.LevelWarn)
	}
}

// Log writes notifications to the worker log, for headless hosts.
type Log struct{}

func (Log) Send(title, message string, duration time.Duration) {
	logging.Log(fmt.Sprintf("[notification %s] %s: %s", duration, title, message), slog.LevelInfo)
}

// Func adapts a function to Notifier.
type Func func(title, message string, duration time.Duration)

func (f Func) Send(title, message string, duration time.Duration) { f(title, message, duration) }

// Nop drops everything.
type Nop struct{}

func (Nop) Send(string, string, time.Duration) {}

// New returns the notifier named by kind: "desktop" or "log".
func New(kind string) Notifier {
	if kind == "desktop" {
		return Desktop{}
	}
	return Log{}
}
