package insight

import (
	"sort"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// categoryFor maps a source to its driver category (§4.7 "Drivers").
func categoryFor(source wire.Source) string {
	switch source {
	case wire.SourceNetwork:
		return "network_exposure"
	case wire.SourceProcess:
		return "process"
	case wire.SourceAuth:
		return "auth"
	case wire.SourceFilewatch:
		return "filewatch"
	default:
		return "process"
	}
}

// computeDrivers bins today's weighted scores by category and converts
// each to a percentage of the day's total, sorted descending by score.
func computeDrivers(today []wire.Event) []Driver {
	scores := make(map[string]float64)
	for _, ev := range today {
		scores[categoryFor(ev.Source)] += severityWeight[ev.Severity]
	}

	var total float64
	for _, s := range scores {
		total += s
	}
	if total == 0 {
		return nil
	}

	drivers := make([]Driver, 0, len(scores))
	for category, score := range scores {
		if score <= 0 {
			continue
		}
		drivers = append(drivers, Driver{
			Category: category,
			Score:    score,
			Percent:  100 * score / total,
		})
	}

	sort.Slice(drivers, func(i, j int) bool {
		if drivers[i].Score != drivers[j].Score {
			return drivers[i].Score > drivers[j].Score
		}
		return drivers[i].Category < drivers[j].Category
	})
	return drivers
}
