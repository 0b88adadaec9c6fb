package reviewsession

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type contentLoader struct {
	fetch          func(ctx context.Context, documentID review.DocumentID) (string, error)
	timeout        time.Duration
	maxConcurrency int
	logger         *zap.Logger
}

// load fetches every document concurrently, one request per identifier. A failed or
// timed out fetch leaves the document absent; it never fails the whole load.
func (l contentLoader) load(ctx context.Context, ids []review.DocumentID) (review.DocumentContents, []review.DocumentID) {
	contents := make(review.DocumentContents, len(ids))
	if len(ids) == 0 {
		return contents, nil
	}

	var mu sync.Mutex
	group := new(errgroup.Group)
	group.SetLimit(l.maxConcurrency)
	for _, documentID := range ids {
		group.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, l.timeout)
			defer cancel()
			content, err := l.fetch(fetchCtx, documentID)
			if err != nil {
				documentFetches.WithLabelValues("failed").Inc()
				l.logger.Warn("document content unavailable",
					zap.Int64("document_id", int64(documentID)),
					zap.Error(err))
				return nil
			}
			documentFetches.WithLabelValues("ok").Inc()
			mu.Lock()
			contents[documentID] = content
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	var missing []review.DocumentID
	for _, documentID := range ids {
		if _, ok := contents[documentID]; !ok {
			missing = append(missing, documentID)
		}
	}
	return contents, missing
}
