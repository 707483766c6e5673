/*
Copyright 2025 The Kubernetes Authors.

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

// Package contracts defines the service interfaces that decouple the ISP context from its external collaborators.
//
// The context consumes three capabilities:
//
//   - `HardwareDriver`: the pipeline layer that acquires hardware, accepts prepared update packages and raises events.
//   - `FenceSignaller`: the synchronization primitive through which completion and failure reach the original caller.
//   - `Scheduler`: the upstream request manager that drives apply and flush, and receives per-frame heartbeats and
//     error reports.
//
// # Locking Contract
//
// The context never calls any of these interfaces while holding its event lock. Implementations are therefore free to
// call back into the context (for example, a driver raising an event from inside `Config`) without deadlocking.
package contracts
