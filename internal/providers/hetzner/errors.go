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

package hetzner

import (
	"context"
	"errors"
	"fmt"

	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner/hcloudapi"
)

// translateError maps a client error to a categorized provider error.
// Context errors are wrapped unchanged so callers can match them.
func translateError(step string, err error) error {
	var apiErr *hcloudapi.APIError
	switch {
	case errors.As(err, &apiErr):
		return contracts.NewHTTPError(apiErr.StatusCode, step+" failed", apiErr)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", step, err)
	default:
		return contracts.NewRetryableError(step+" failed", err)
	}
}
