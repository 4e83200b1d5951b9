package jobs

import jobmetrics "github.com/routebook/routebook/internal/jobs"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
