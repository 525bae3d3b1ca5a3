// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// NormalizeRoomAlias trims surrounding whitespace and lowercases the alias so it can be
// compared consistently. Room aliases are treated case-insensitively.
func NormalizeRoomAlias(alias id.RoomAlias) id.RoomAlias {
	return id.RoomAlias(strings.ToLower(strings.TrimSpace(string(alias))))
}
