/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package version

var (
	// Version is the version string, set at build time.
	Version = "0.0.0-dev"

	// BuildDate is the date of the build, set at build time.
	BuildDate = ""
)
