/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package closer

import (
	"io"

	"github.com/go-logr/logr"
)

// CloseQuietly closes c and logs a failure instead of returning it.
// Use it in defers where the close error cannot change the outcome.
func CloseQuietly(c io.Closer, log logr.Logger, what string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Info("Close failed", "what", what, "error", err.Error())
	}
}

// CloserFunc adapts a function to io.Closer
type CloserFunc func() error

// Close calls f
func (f CloserFunc) Close() error {
	return f()
}
