/*
 *
 * janus - a browser remote-debugging protocol client
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"strings"

	"github.com/fatih/color"
)

func getBanner(noColor bool) string {
	banner := strings.Join([]string{
		`     _                        `,
		`    (_) __ _ _ __  _   _ ___  `,
		`    | |/ _' | '_ \| | | / __| `,
		`    | | (_| | | | | |_| \__ \ `,
		`   _/ |\__,_|_| |_|\__,_|___/ `,
		`  |__/                        `,
	}, "\n")

	c := color.New(color.FgCyan)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.Sprint(banner)
}

// eventColor highlights event method names on a TTY.
func eventColor(noColor bool) *color.Color {
	c := color.New(color.FgMagenta, color.Bold)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}
