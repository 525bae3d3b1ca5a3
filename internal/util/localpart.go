// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"maunium.net/go/mautrix/id"
)

// Localpart returns the localpart of a user ID for display, falling back to the
// whole ID if it cannot be split.
func Localpart(userID id.UserID) string {
	localpart, _, err := gomatrixserverlib.SplitID('@', string(userID))
	if err != nil || strings.TrimSpace(localpart) == "" {
		return string(userID)
	}
	return localpart
}
