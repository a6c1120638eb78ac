// Package ratings recomputes the per-user rating aggregates from the full set
// of visible reviews and serves rating statistics.
package ratings

import "github.com/taskmarket/backend/internal/models"

// Compute derives the three aggregates for a reviewee. Hidden reviews and
// out-of-range ratings are skipped, so every histogram sums to its count.
// Reviews written by a poster rate the reviewee as tasker and vice versa.
func Compute(reviews []*models.Review) models.UserRatings {
	var overall, asPoster, asTasker tally
	for _, r := range reviews {
		if !r.Visible || r.Rating < models.MinRating || r.Rating > models.MaxRating {
			continue
		}
		overall.add(r.Rating)
		switch r.RevieweeRole() {
		case models.RolePoster:
			asPoster.add(r.Rating)
		case models.RoleTasker:
			asTasker.add(r.Rating)
		}
	}
	return models.UserRatings{
		Overall:  overall.aggregate(),
		AsPoster: asPoster.aggregate(),
		AsTasker: asTasker.aggregate(),
	}
}

type tally struct {
	sum       int
	count     int
	histogram [5]int
}

func (t *tally) add(rating int) {
	t.sum += rating
	t.count++
	t.histogram[rating-1]++
}

func (t tally) aggregate() models.RatingAggregate {
	agg := models.RatingAggregate{Count: t.count, Histogram: t.histogram}
	if t.count > 0 {
		agg.Average = float64(t.sum) / float64(t.count)
	}
	return agg
}
