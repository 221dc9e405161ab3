// Copyright 2026 The gVisor Authors.
//
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

package eventchannel

import (
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event kinds, stored in the "event" field of every kernel event.
const (
	KindPanic  = "kernel_panic"
	KindKilled = "process_killed"
)

// PanicEvent describes a kernel panic.
func PanicEvent(tag, message string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event":   structpb.NewStringValue(KindPanic),
		"tag":     structpb.NewStringValue(tag),
		"message": structpb.NewStringValue(message),
	}}
}

// KilledEvent describes a process terminated by a signal.
func KilledEvent(pid int32, signal, severity string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event":    structpb.NewStringValue(KindKilled),
		"pid":      structpb.NewNumberValue(float64(pid)),
		"signal":   structpb.NewStringValue(signal),
		"severity": structpb.NewStringValue(severity),
	}}
}

// DecodeKernelEvent unpacks an event read from a stream.
func DecodeKernelEvent(ev *anypb.Any) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := ev.UnmarshalTo(s); err != nil {
		return nil, fmt.Errorf("event %q is not a kernel event: %w", ev.GetTypeUrl(), err)
	}
	return s, nil
}

// EventKind returns the kind of a kernel event, or "" if it has none.
func EventKind(s *structpb.Struct) string {
	return s.GetFields()["event"].GetStringValue()
}
