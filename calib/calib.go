// Package calib holds the read-only per-region and per-ToT timing
// corrections applied during event reconstruction. Tables are fitted
// offline from coincidence histograms and loaded at startup; the pipeline
// never fits them.
package calib

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/timestem/tp3stream/clock"
	"github.com/timestem/tp3stream/tpx3"
)

// A Table maps detector regions and ToT buckets to signed time corrections.
// The zero table applies no correction.
type Table struct {
	divX, divY int
	cellW      int // detector columns per region
	cellH      int // detector rows per region
	region     []clock.Time

	totBucket  int          // ToT counts per bucket
	totByChips []clock.Time // bucket-major, tpx3.NChips per bucket
}

// Zero returns an empty table.
func Zero() *Table { return &Table{} }

// Delay returns the summed correction for a hit.
func (t *Table) Delay(x uint16, y uint8, tot uint16, chip uint8) clock.Time {
	var d clock.Time
	if t.region != nil {
		rx := int(x) / t.cellW
		ry := int(y) / t.cellH
		if rx < t.divX && ry < t.divY {
			d += t.region[rx*t.divY+ry]
		}
	}
	if t.totByChips != nil {
		b := int(tot) / t.totBucket
		if max := len(t.totByChips)/tpx3.NChips - 1; b > max {
			b = max
		}
		d += t.totByChips[b*tpx3.NChips+int(chip&3)]
	}
	return d
}

// Regions reports the region tiling, (0, 0) for the zero table.
func (t *Table) Regions() (divX, divY int) { return t.divX, t.divY }

/* Load reads a correction table:

	regions 16
	0,-1,0,1
	...               (divX lines of divX/4 comma-separated values)
	tot 25
	0,0,-2,1
	...               (one line per bucket, one value per chip)

Values are in units of 260 ps, the TDC fine tick. Comment lines start
with '#'. Either section may be absent. */
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &Table{}
	sc := bufio.NewScanner(f)
	line := 0
	var rows [][]clock.Time
	section := ""
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(s, "regions "):
			if err := t.closeSection(section, rows); err != nil {
				return nil, fmt.Errorf("calib %s:%d: %w", path, line, err)
			}
			div, err := strconv.Atoi(strings.TrimPrefix(s, "regions "))
			if err != nil || !validDiv(div) {
				return nil, fmt.Errorf("calib %s:%d: bad region division %q", path, line, s)
			}
			t.divX, t.divY = div, div/4
			t.cellW = tpx3.DetCols / t.divX
			t.cellH = tpx3.DetRows / t.divY
			section, rows = "regions", nil
		case strings.HasPrefix(s, "tot "):
			if err := t.closeSection(section, rows); err != nil {
				return nil, fmt.Errorf("calib %s:%d: %w", path, line, err)
			}
			bucket, err := strconv.Atoi(strings.TrimPrefix(s, "tot "))
			if err != nil || bucket <= 0 {
				return nil, fmt.Errorf("calib %s:%d: bad tot bucket %q", path, line, s)
			}
			t.totBucket = bucket
			section, rows = "tot", nil
		default:
			vals, err := parseRow(s)
			if err != nil {
				return nil, fmt.Errorf("calib %s:%d: %w", path, line, err)
			}
			if section == "" {
				return nil, fmt.Errorf("calib %s:%d: values before a section header", path, line)
			}
			rows = append(rows, vals)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := t.closeSection(section, rows); err != nil {
		return nil, fmt.Errorf("calib %s: %w", path, err)
	}
	return t, nil
}

func validDiv(div int) bool {
	switch div {
	case 4, 8, 16, 32, 64:
		return true
	}
	return false
}

func parseRow(s string) ([]clock.Time, error) {
	parts := strings.Split(s, ",")
	vals := make([]clock.Time, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad value %q", p)
		}
		vals[i] = clock.Time(n) * clock.TdcFineTick
	}
	return vals, nil
}

func (t *Table) closeSection(section string, rows [][]clock.Time) error {
	switch section {
	case "":
		return nil
	case "regions":
		if len(rows) != t.divX {
			return fmt.Errorf("regions: got %d rows, want %d", len(rows), t.divX)
		}
		t.region = make([]clock.Time, t.divX*t.divY)
		for rx, row := range rows {
			if len(row) != t.divY {
				return fmt.Errorf("regions row %d: got %d values, want %d", rx, len(row), t.divY)
			}
			copy(t.region[rx*t.divY:], row)
		}
	case "tot":
		if len(rows) == 0 {
			return fmt.Errorf("tot: no bucket rows")
		}
		t.totByChips = make([]clock.Time, len(rows)*tpx3.NChips)
		for b, row := range rows {
			if len(row) != tpx3.NChips {
				return fmt.Errorf("tot row %d: got %d values, want %d", b, len(row), tpx3.NChips)
			}
			copy(t.totByChips[b*tpx3.NChips:], row)
		}
	}
	return nil
}
