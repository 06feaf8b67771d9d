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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/projectbeskar/vmpool/internal/providers/contracts"
)

// resultView is the printable form of a best-effort outcome
type resultView struct {
	Operation string `json:"operation" yaml:"operation"`
	ID        string `json:"id" yaml:"id"`
	OK        bool   `json:"ok" yaml:"ok"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

type idView struct {
	ID     string `json:"id" yaml:"id"`
	Status string `json:"status" yaml:"status"`
}

func (a *app) encode(w io.Writer, v interface{}) error {
	switch a.opts.output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", a.opts.output)
	}
}

func (a *app) printID(w io.Writer, id, status string) error {
	if a.opts.output != outputTable {
		return a.encode(w, idView{ID: id, Status: status})
	}
	_, err := fmt.Fprintf(w, "%s %s\n", id, status)
	return err
}

func (a *app) printVMs(w io.Writer, vms []contracts.VM) error {
	if a.opts.output != outputTable {
		return a.encode(w, vms)
	}

	fmt.Fprintf(w, "%-38s %-20s %-10s %-16s %-6s %-10s\n",
		"ID", "NAME", "STATE", "PRIVATE IP", "READY", "AGE")
	for _, vm := range vms {
		ip := vm.PrivateIP
		if ip == "" {
			ip = "<none>"
		}
		age := time.Since(vm.CreationDate).Truncate(time.Second)
		fmt.Fprintf(w, "%-38s %-20s %-10s %-16s %-6t %-10s\n",
			vm.ID, vm.OriginalName, vm.State, ip, vm.Ready(), age)
	}
	return nil
}

func (a *app) printVM(w io.Writer, vm contracts.VM) error {
	if a.opts.output != outputTable {
		return a.encode(w, vm)
	}

	fmt.Fprintf(w, "ID: %s\n", vm.ID)
	fmt.Fprintf(w, "Name: %s\n", vm.OriginalName)
	fmt.Fprintf(w, "Provider: %s\n", vm.Provider)
	fmt.Fprintf(w, "Region: %s\n", vm.Region)
	fmt.Fprintf(w, "Large: %t\n", vm.Large)
	fmt.Fprintf(w, "State: %s\n", vm.State)
	fmt.Fprintf(w, "Private IP: %s\n", vm.PrivateIP)
	fmt.Fprintf(w, "Host: %s\n", vm.Host)
	fmt.Fprintf(w, "Created: %s\n", vm.CreationDate.Format(time.RFC3339))
	if len(vm.Tags) > 0 {
		fmt.Fprintf(w, "\nTags:\n")
		for _, tag := range vm.Tags {
			fmt.Fprintf(w, "  %s\n", tag)
		}
	}
	return nil
}

func (a *app) printResults(w io.Writer, results []contracts.BestEffort) error {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		view := resultView{Operation: r.Operation, ID: r.ID, OK: r.OK()}
		if r.Err != nil {
			view.Error = r.Err.Error()
		}
		views = append(views, view)
	}
	if a.opts.output != outputTable {
		return a.encode(w, views)
	}

	fmt.Fprintf(w, "%-38s %-16s %-6s %s\n", "ID", "OPERATION", "OK", "ERROR")
	for _, v := range views {
		fmt.Fprintf(w, "%-38s %-16s %-6t %s\n", v.ID, v.Operation, v.OK, v.Error)
	}
	return nil
}
