/*
Package core drives the ctissuers pipeline: it loads the domain list, looks up
each domain sequentially, filters the returned certificate records, and hands
the flattened rows to the report writer.
*/
package core

/*
ctissuers — active certificate issuer reports from Certificate Transparency search
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadDomains reads the newline-delimited domain list at path.
func LoadDomains(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file %q: %w", path, err)
	}
	defer f.Close()

	domains, err := ReadDomains(f)
	if err != nil {
		return nil, fmt.Errorf("failed reading domains file %q: %w", path, err)
	}
	return domains, nil
}

// ReadDomains returns one entry per line with surrounding whitespace trimmed.
// Blank lines are kept as empty entries so positions match the input. Lines
// have no length limit.
func ReadDomains(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)

	var domains []string
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			domains = append(domains, strings.TrimSpace(line))
		}
		if err == io.EOF {
			return domains, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
