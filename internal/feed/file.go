package feed

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/SirClappington/farecrawl/internal/domain"
)

// taskFile is the YAML task list. An entry either names explicit dates or a
// month offset with day numbers resolved against the current month.
type taskFile struct {
	Defaults struct {
		CabinClasses []string `yaml:"cabin_classes"`
		MaxAttempts  int      `yaml:"max_attempts"`
	} `yaml:"defaults"`
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	Origin        string   `yaml:"origin"`
	Destination   string   `yaml:"destination"`
	DepartureDate string   `yaml:"departure_date"`
	ReturnDate    string   `yaml:"return_date"`
	MonthOffset   *int     `yaml:"month_offset"`
	DepartureDay  int      `yaml:"departure_day"`
	ReturnDay     int      `yaml:"return_day"`
	CabinClasses  []string `yaml:"cabin_classes"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

func LoadFile(path string, now time.Time) (*SliceSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read task file %s", path)
	}
	items, err := ParseTasks(data, now)
	if err != nil {
		return nil, errors.Wrapf(err, "task file %s", path)
	}
	return NewSliceSource(items), nil
}

// ParseTasks resolves every entry to concrete parameters. Parameters are not
// validated here; the scheduler rejects invalid ones on submit.
func ParseTasks(data []byte, now time.Time) ([]domain.TaskParameters, error) {
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	out := make([]domain.TaskParameters, 0, len(f.Tasks))
	for i, e := range f.Tasks {
		p := domain.TaskParameters{
			Origin:       strings.ToUpper(strings.TrimSpace(e.Origin)),
			Destination:  strings.ToUpper(strings.TrimSpace(e.Destination)),
			CabinClasses: e.CabinClasses,
			MaxAttempts:  e.MaxAttempts,
		}
		if len(p.CabinClasses) == 0 {
			p.CabinClasses = f.Defaults.CabinClasses
		}
		if p.MaxAttempts == 0 {
			p.MaxAttempts = f.Defaults.MaxAttempts
		}

		if e.MonthOffset != nil {
			p.DepartureDate, p.ReturnDate = fixedMonthDates(now, *e.MonthOffset, e.DepartureDay, e.ReturnDay)
		} else {
			var err error
			if p.DepartureDate, err = parseDay(e.DepartureDate); err != nil {
				return nil, errors.Wrapf(err, "task %d departure_date", i)
			}
			if p.ReturnDate, err = parseDay(e.ReturnDate); err != nil {
				return nil, errors.Wrapf(err, "task %d return_date", i)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func parseDay(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, strings.TrimSpace(s))
}

// fixedMonthDates picks the given days in the month offset months after now,
// clamped to that month's length. A return day before the departure day
// falls in the following month.
func fixedMonthDates(now time.Time, offset, depDay, retDay int) (dep, ret time.Time) {
	first := time.Date(now.Year(), now.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
	dep = onDay(first, depDay)
	ret = onDay(first, retDay)
	if ret.Before(dep) {
		ret = onDay(first.AddDate(0, 1, 0), retDay)
	}
	return dep, ret
}

func onDay(first time.Time, day int) time.Time {
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return first.AddDate(0, 0, day-1)
}
