// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package s2s

import (
	"bytes"
	"fmt"
	"io"
)

// assertDataPacketsEqual checks that two packets carry the same attributes
// (by key/value, order-independent) and the same content bytes. Used by
// tests to verify §4.1 round-trip fidelity (encode then DecodeDataPackets).
func assertDataPacketsEqual(expected, actual *DataPacket) error {
	expectedAttrs := expected.Attributes()
	actualAttrs := actual.Attributes()
	if len(expectedAttrs) != len(actualAttrs) {
		return fmt.Errorf("expected %d attributes, but got %d", len(expectedAttrs), len(actualAttrs))
	}
	for k, v := range expectedAttrs {
		av, ok := actualAttrs[k]
		if !ok || av != v {
			return fmt.Errorf("attribute %q: expected %q, but got %q (present=%v)", k, v, av, ok)
		}
	}

	expectedContent, err := io.ReadAll(expected.Content())
	if err != nil {
		return fmt.Errorf("reading expected content: %w", err)
	}
	actualContent, err := io.ReadAll(actual.Content())
	if err != nil {
		return fmt.Errorf("reading actual content: %w", err)
	}
	if !bytes.Equal(expectedContent, actualContent) {
		return fmt.Errorf("expected content %q, but got %q", expectedContent, actualContent)
	}
	return nil
}
