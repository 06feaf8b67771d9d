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

package hcloudapi

import (
	"fmt"
	"time"
)

// Server is the subset of the Hetzner Cloud server object the pool relies on
type Server struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Created    time.Time         `json:"created"`
	Labels     map[string]string `json:"labels"`
	PrivateNet []PrivateNet      `json:"private_net"`
	PublicNet  *PublicNet        `json:"public_net,omitempty"`
	ServerType *ServerType       `json:"server_type,omitempty"`
	Datacenter *Datacenter       `json:"datacenter,omitempty"`
	Image      *Image            `json:"image,omitempty"`
}

// PrivateNet is one private network attachment of a server
type PrivateNet struct {
	Network    int64    `json:"network"`
	IP         string   `json:"ip"`
	AliasIPs   []string `json:"alias_ips,omitempty"`
	MACAddress string   `json:"mac_address,omitempty"`
}

// PublicNet holds the public addresses of a server
type PublicNet struct {
	IPv4 *IPv4 `json:"ipv4,omitempty"`
}

// IPv4 is a public IPv4 address
type IPv4 struct {
	IP string `json:"ip"`
}

// ServerType identifies the size of a server
type ServerType struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
}

// Datacenter identifies where a server runs
type Datacenter struct {
	Name     string    `json:"name"`
	Location *Location `json:"location,omitempty"`
}

// Location is a Hetzner location such as nbg1
type Location struct {
	Name string `json:"name"`
}

// Image identifies a server image
type Image struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Action is an asynchronous operation started by the API
type Action struct {
	ID       int64  `json:"id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// ServerCreateOpts is the request body of POST /servers
type ServerCreateOpts struct {
	Name             string            `json:"name"`
	ServerType       string            `json:"server_type"`
	StartAfterCreate bool              `json:"start_after_create"`
	Image            int64             `json:"image"`
	SSHKeys          []int64           `json:"ssh_keys,omitempty"`
	Networks         []int64           `json:"networks,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Location         string            `json:"location,omitempty"`
}

// ServerCreateResult is the response body of POST /servers
type ServerCreateResult struct {
	Server       Server  `json:"server"`
	Action       *Action `json:"action,omitempty"`
	RootPassword *string `json:"root_password,omitempty"`
}

// ServerUpdateOpts is the request body of PUT /servers/{id}
type ServerUpdateOpts struct {
	Name   string            `json:"name,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ServerRebuildOpts is the request body of POST /servers/{id}/actions/rebuild
type ServerRebuildOpts struct {
	Image int64 `json:"image"`
}

// ServerRebuildResult is the response body of a rebuild action
type ServerRebuildResult struct {
	Action       *Action `json:"action,omitempty"`
	RootPassword *string `json:"root_password,omitempty"`
}

// ServerAttachToNetworkOpts is the request body of POST /servers/{id}/actions/attach_to_network
type ServerAttachToNetworkOpts struct {
	Network int64 `json:"network"`
}

// ServerListOpts holds the query parameters of GET /servers
type ServerListOpts struct {
	Page          int
	PerPage       int
	Sort          string
	LabelSelector string
}

// ServerListResult is the response body of GET /servers
type ServerListResult struct {
	Servers []Server `json:"servers"`
	Meta    Meta     `json:"meta"`
}

// Meta carries list metadata
type Meta struct {
	Pagination Pagination `json:"pagination"`
}

// Pagination describes the page a list response belongs to
type Pagination struct {
	Page         int  `json:"page"`
	PerPage      int  `json:"per_page"`
	PreviousPage *int `json:"previous_page"`
	NextPage     *int `json:"next_page"`
	LastPage     *int `json:"last_page"`
	TotalEntries *int `json:"total_entries"`
}

// ErrorBody is the error envelope returned by the API on non-2xx responses
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is returned for every non-2xx response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("hcloud api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hcloud api: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Server status values
const (
	ServerStatusRunning      = "running"
	ServerStatusInitializing = "initializing"
	ServerStatusStarting     = "starting"
	ServerStatusStopping     = "stopping"
	ServerStatusOff          = "off"
	ServerStatusDeleting     = "deleting"
	ServerStatusRebuilding   = "rebuilding"
)

// Error codes
const (
	ErrorCodeNotFound        = "not_found"
	ErrorCodeInvalidInput    = "invalid_input"
	ErrorCodeUniquenessError = "uniqueness_error"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeServiceError    = "service_error"
	ErrorCodeLocked          = "locked"
)
