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

package contracts

import (
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// FenceSignaller is the subset of the fence primitive the context depends on.
//
// # Conformance
//
//   - `GetRef` takes a lifetime reference; `Signal` consumes one. A signal only becomes terminal when it drops the
//     reference count to zero.
//   - `Signal` on a fence that is already terminal returns an error wrapping `types.ErrAlreadySignalled`.
//   - Unknown or stale handles return an error wrapping `types.ErrInvalidFence`.
//   - Implementations MUST be goroutine-safe.
type FenceSignaller interface {
	GetRef(id types.FenceID) error
	PutRef(id types.FenceID) error
	Signal(id types.FenceID, outcome types.FenceOutcome) error
}
