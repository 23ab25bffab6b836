// Copyright (c) 2019 Red Hat and/or its affiliates.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flow

// Mask is a value/mask pair over a 16-bit field.
type Mask struct {
	Value uint16
	Mask  uint16
}

// RangeMasks decomposes the inclusive range [from, to] into the minimal list
// of aligned value/mask blocks. A zero range yields nil; to < from is
// treated as the single value from.
func RangeMasks(from, to uint16) []Mask {
	if from == 0 && to == 0 {
		return nil
	}
	if to < from {
		to = from
	}
	var masks []Mask
	start, end := uint32(from), uint32(to)
	for start <= end {
		size := uint32(1)
		for start&(size<<1-1) == 0 && start+(size<<1)-1 <= end {
			size <<= 1
		}
		masks = append(masks, Mask{
			Value: uint16(start),
			Mask:  uint16(^(size - 1)),
		})
		start += size
	}
	return masks
}
