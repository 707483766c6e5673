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

// Package testing holds builders for packets and stream images shared by tests and the simulator session.
package testing

import (
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// PacketWrapper wraps a Packet.
type PacketWrapper struct {
	types.Packet
}

// MakeInit creates a wrapper for an INIT packet.
func MakeInit(id types.RequestID) *PacketWrapper {
	return &PacketWrapper{types.Packet{RequestID: id, Kind: types.PacketInit}}
}

// MakeUpdate creates a wrapper for an UPDATE packet.
func MakeUpdate(id types.RequestID) *PacketWrapper {
	return &PacketWrapper{types.Packet{RequestID: id, Kind: types.PacketUpdate}}
}

// Entry appends a hardware entry of the given length. The handle is derived from the request ID.
func (p *PacketWrapper) Entry(length uint32) *PacketWrapper {
	p.Entries = append(p.Entries, types.HWEntry{
		Handle: uint64(p.RequestID)<<8 | uint64(len(p.Entries)),
		Len:    length,
	})
	return p
}

// BubbleEntry appends an entry that is only valid for bubble re-application.
func (p *PacketWrapper) BubbleEntry(length uint32) *PacketWrapper {
	p.Entry(length)
	p.Entries[len(p.Entries)-1].BLOnly = true
	return p
}

// Output binds the output resource to fence f.
func (p *PacketWrapper) Output(resource uint32, f types.FenceID) *PacketWrapper {
	p.Out = append(p.Out, types.OutBinding{ResourceHandle: resource, Fence: f})
	return p
}

// OutputAt binds the output resource to fence f and records the buffer address written by the hardware.
func (p *PacketWrapper) OutputAt(resource uint32, f types.FenceID, addr uint32) *PacketWrapper {
	p.Out = append(p.Out, types.OutBinding{ResourceHandle: resource, Fence: f, ImageBufAddr: addr})
	return p
}

// Input adds input fence dependencies.
func (p *PacketWrapper) Input(ids ...types.FenceID) *PacketWrapper {
	p.In = append(p.In, ids...)
	return p
}

// ObjRef returns the wrapped Packet.
func (p *PacketWrapper) ObjRef() types.Packet {
	return p.Packet
}

// MakeStreamImages creates one single-entry image spec per ID.
func MakeStreamImages(ids ...int64) []types.StreamImageSpec {
	specs := make([]types.StreamImageSpec, len(ids))
	for i, id := range ids {
		specs[i] = types.StreamImageSpec{ImageID: id, Entries: []types.HWEntry{{Handle: uint64(id), Len: 32}}}
	}
	return specs
}
