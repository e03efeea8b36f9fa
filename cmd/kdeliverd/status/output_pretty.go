/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"fmt"
	"io"
	"text/template"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/kdeliver/server"
)

const prettyTemplate = `
{{- WithStateColor (Bold "kdeliverd")}}: {{WithStateColor (or .ServerName "unknown")}}
  {{Bold "version"}}: {{.Version}}
  {{Bold "started"}}: {{if .Started}}{{.Started}}{{else}}never{{end}}
  {{Bold "dagent"}}: {{.DAgentListenAddress}} ({{.Sessions}} sessions)
  {{Bold "last sweep"}}: {{if .LastSweep}}{{.LastSweep}}{{else}}never{{end}}

{{WithQueueColor (Bold "queues")}}:
    {{- range $name, $count := .Queues}}
    - {{$name}}: {{$count}}
    {{- else}}
    - none
    {{- end}}
  {{Bold "in flight"}}: {{.InFlight}}
  {{Bold "transports"}}: {{.Transports}}
  {{Bold "placements"}}:
    {{- range $name, $count := .Placements}}
    - {{$name}}: {{$count}}
    {{- else}}
    - none
    {{- end}}
`

func templateFuncs(p termenv.Profile, status *server.Status) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")
	queueColor := p.Color("214")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(values ...interface{}) string {
			if p == termenv.Ascii {
				// Do not do any bold, if terminal only supports ASCII.
				return values[0].(string)
			}
			s := termenv.String(values[0].(string))
			return s.Bold().String()
		},
		"WithStateColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if status.Started != nil {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"WithQueueColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if status.Queues["dead"] > 0 {
				s = s.Foreground(nokColor)
			} else {
				s = s.Foreground(queueColor)
			}
			return s.String()
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	// Load helpers and template.
	f := templateFuncs(termenv.ColorProfile(), status)
	tpl, err := template.New("tpl").Funcs(f).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	// Render.
	return tpl.Execute(w, status)
}
