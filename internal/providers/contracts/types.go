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

package contracts

import (
	"slices"
	"strings"
	"time"
)

// VM is the canonical, provider-independent view of one instance
type VM struct {
	// ID is the provider-assigned identifier, stringified
	ID string `json:"id" yaml:"id"`
	// Pass is the access credential carried by the instance
	Pass string `json:"pass" yaml:"pass"`
	// Host is the gateway endpoint that proxies to the private address
	Host string `json:"host" yaml:"host"`
	// PrivateIP is empty while the instance is not network-ready
	PrivateIP string `json:"private_ip,omitempty" yaml:"private_ip,omitempty"`
	// State is the provider-reported status, uninterpreted
	State string `json:"state" yaml:"state"`
	// Tags are the label keys attached to the instance
	Tags []string `json:"tags" yaml:"tags"`
	// CreationDate is the provider-reported creation time
	CreationDate time.Time `json:"creation_date" yaml:"creation_date"`
	// OriginalName is the name requested at creation time
	OriginalName string `json:"originalName" yaml:"originalName"`
	// Provider identifies the adapter that produced the record
	Provider string `json:"provider" yaml:"provider"`
	// Large is true for the large size tier
	Large bool `json:"large" yaml:"large"`
	// Region is the logical region the instance was provisioned in
	Region string `json:"region" yaml:"region"`
}

// Ready reports whether the instance has a private address.
// Consumers must treat a record that is not ready as unusable regardless of State.
func (v VM) Ready() bool {
	return v.PrivateIP != ""
}

// HasTag reports whether the instance carries the given tag
func (v VM) HasTag(tag string) bool {
	return slices.Contains(v.Tags, tag)
}

// Binding identifies what a manager instance is bound to
type Binding struct {
	// Provider is the adapter identity, e.g. "Hetzner"
	Provider string `json:"provider" yaml:"provider"`
	// Region is the logical region, e.g. "US" or "EU"
	Region string `json:"region" yaml:"region"`
	// Large selects the large size tier
	Large bool `json:"large" yaml:"large"`
}

// PoolTagPrefix prefixes every pool-membership tag
const PoolTagPrefix = "vmpool"

// PoolTag derives the pool-membership tag for the binding.
// The result is a valid label key for every supported provider.
func (b Binding) PoolTag() string {
	parts := []string{PoolTagPrefix, sanitizeTagPart(b.Provider), sanitizeTagPart(b.Region)}
	if b.Large {
		parts = append(parts, "large")
	}
	return strings.Join(parts, "-")
}

// Tier returns the size tier name used in logs and metrics
func (b Binding) Tier() string {
	if b.Large {
		return TierLarge
	}
	return TierNormal
}

// String returns a compact representation of the binding
func (b Binding) String() string {
	return b.Provider + "/" + b.Region + "/" + b.Tier()
}

// Size tiers
const (
	TierNormal = "normal"
	TierLarge  = "large"
)

// sanitizeTagPart lower-cases s and replaces characters that are not valid in label keys
func sanitizeTagPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
