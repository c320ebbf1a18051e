// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the small, component-prefixed logger used
// throughout the proxy for background-worker and request events.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with a component tag, e.g. "[traffic]".
type Logger struct {
	std *log.Logger
	tag string
}

// New returns a Logger that writes to stderr, tagged with component.
func New(component string) *Logger {
	return &Logger{
		std: log.New(os.Stderr, "", log.LstdFlags),
		tag: "[" + component + "] ",
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Printf(l.tag+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf(l.tag+"WARN: "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Printf(l.tag+"ERROR: "+format, args...)
}
