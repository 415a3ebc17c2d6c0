package signals

import (
	"time"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

// JA4 composite weighting. The raw score is 0-230: distinct fingerprints
// for the identity in the window, time-clustered switching, and the raw
// switch count.
const (
	ja4MaxRaw          = 230
	ja4DistinctWeight  = 40
	ja4ClusterWeight   = 80
	ja4SwitchWeight    = 10
	ja4ClusterInterval = 5 * time.Minute
)

// JA4Composite computes the raw fingerprint-hopping score from the ordered
// window observations plus the current request's JA4.
func JA4Composite(obs []store.JA4Observation, currentJA4 string, now time.Time) float64 {
	type sighting struct {
		ja4 string
		at  time.Time
	}

	seq := make([]sighting, 0, len(obs)+1)
	for _, o := range obs {
		at, err := store.ParseSQLTime(o.CreatedAt)
		if err != nil {
			continue
		}
		seq = append(seq, sighting{ja4: o.JA4, at: at})
	}
	if currentJA4 != "" {
		seq = append(seq, sighting{ja4: currentJA4, at: now})
	}
	if len(seq) == 0 {
		return 0
	}

	distinct := map[string]struct{}{}
	switches := 0
	clustered := false
	for i, s := range seq {
		distinct[s.ja4] = struct{}{}
		if i == 0 {
			continue
		}
		if s.ja4 != seq[i-1].ja4 {
			switches++
			if s.at.Sub(seq[i-1].at) < ja4ClusterInterval {
				clustered = true
			}
		}
	}

	raw := float64(ja4DistinctWeight * (len(distinct) - 1))
	if clustered {
		raw += ja4ClusterWeight
	}
	raw += float64(ja4SwitchWeight * switches)

	if raw > ja4MaxRaw {
		return ja4MaxRaw
	}
	return raw
}
