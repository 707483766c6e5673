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

package types

// HWEntry is one opaque hardware-update blob. Only the pipeline driver interprets it.
type HWEntry struct {
	Handle uint64
	Offset uint32
	Len    uint32
	// BLOnly marks an entry that is only valid for bubble re-application.
	BLOnly bool
}

// OutBinding binds a hardware output resource to the fence signalled when its buffer completes.
type OutBinding struct {
	ResourceHandle uint32
	Fence          FenceID
	// ImageBufAddr is the buffer address compared against the hardware's last consumed address.
	ImageBufAddr uint32
}

// Packet is a prepared configuration submission.
type Packet struct {
	RequestID RequestID
	Kind      PacketKind
	Entries   []HWEntry
	Out       []OutBinding
	// In lists input fence dependencies; they are carried for INIT merges and never signalled by the context.
	In []FenceID
}

// StreamImageSpec describes one pre-built image of the streaming sub-mode.
type StreamImageSpec struct {
	ImageID int64
	Entries []HWEntry
	Out     []OutBinding
	In      []FenceID
	// MemHandles are the planes backing the image buffer.
	MemHandles []int32
}

// StreamImage is the user-visible result of a completed stream image.
type StreamImage struct {
	ImageID      int64
	FrameNum     uint64
	Timestamp    uint64
	SOFTimestamp uint64
}
