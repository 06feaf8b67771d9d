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

// Package cloudinit produces the user-data payload attached to new pool VMs.
//
// The payload is opaque to the VM managers; they only pass the image name,
// the optional display resolution and three feature flags through.
package cloudinit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Header is the first line of every cloud-config document
const Header = "#cloud-config\n"

// EnvFilePath is where the default generator writes the VM environment
const EnvFilePath = "/etc/vmpool/env"

// FeatureFlags are passed through to the guest unchanged
type FeatureFlags [3]bool

// Generator builds a user-data blob
type Generator interface {
	Generate(imageName, resolution string, flags FeatureFlags) ([]byte, error)
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(imageName, resolution string, flags FeatureFlags) ([]byte, error)

// Generate calls f
func (f GeneratorFunc) Generate(imageName, resolution string, flags FeatureFlags) ([]byte, error) {
	return f(imageName, resolution, flags)
}

// UserData is the cloud-config structure rendered by the default generator
type UserData struct {
	WriteFiles []WriteFile `yaml:"write_files"`
	RunCmd     []string    `yaml:"runcmd,omitempty"`
}

// WriteFile is a single write_files entry
type WriteFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Owner       string `yaml:"owner,omitempty"`
	Content     string `yaml:"content"`
}

type defaultGenerator struct {
	runCmd []string
}

// Default returns the generator that writes the VM environment file
func Default(runCmd ...string) Generator {
	return &defaultGenerator{runCmd: runCmd}
}

// Generate renders a #cloud-config document
func (g *defaultGenerator) Generate(imageName, resolution string, flags FeatureFlags) ([]byte, error) {
	if imageName == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}

	env := map[string]string{
		"VMPOOL_IMAGE_NAME": imageName,
	}
	if resolution != "" {
		env["VMPOOL_RESOLUTION"] = resolution
	}
	for i, flag := range flags {
		env["VMPOOL_FEATURE_"+strconv.Itoa(i+1)] = strconv.FormatBool(flag)
	}

	userData := UserData{
		WriteFiles: []WriteFile{{
			Path:        EnvFilePath,
			Permissions: "0644",
			Owner:       "root:root",
			Content:     renderEnv(env),
		}},
		RunCmd: g.runCmd,
	}

	out, err := yaml.Marshal(&userData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	return append([]byte(Header), out...), nil
}

// renderEnv writes KEY=value lines sorted by key
func renderEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, strconv.Quote(env[k]))
	}
	return b.String()
}
