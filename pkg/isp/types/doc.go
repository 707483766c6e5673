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

// Package types defines the vocabulary shared by the ISP context engine and its collaborators.
//
// It holds the closed enumerations that drive the context state machine (top-level `State`, activated `Substate`,
// hardware `EventKind`), the identifiers passed across component boundaries (`RequestID`, `FenceID`), the payloads
// carried by hardware events, and the sentinel errors returned by every package in the engine.
//
// The enumerations are deliberately closed: dispatch code switches over them exhaustively, so adding a value forces
// every handler table to be revisited.
package types
