// Copyright 2025 AxonFlow
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

// Package sdk provides the toolkit for building plugin drivers.
//
// A plugin embeds BaseConnector, installs a ConfigValidator, and
// overrides the operations its backend supports:
//
//	type FooConnector struct {
//		sdk.BaseConnector
//		client *foo.Client
//	}
//
//	func NewFooConnector() *FooConnector {
//		c := &FooConnector{}
//		c.BaseConnector = *sdk.NewBaseConnector("plugin:foo")
//		c.SetValidator(sdk.NewDefaultConfigValidator(
//			[]string{"keyspace"},
//			map[string]interface{}{"consistency": "quorum"},
//		))
//		return c
//	}
//
// MockConnector and RunContractTests cover the test side: the mock
// stands in for a live backend in pipeline tests, and the contract
// suite checks the lifecycle rules every driver must honor.
//
// The cassandra package in this repository is the reference plugin
// built on this toolkit.
package sdk
