package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// transitionEvents are logged once per finished stage attempt, against the
// stage that ran.
const transitionEvents = `'stage_advanced', 'retry', 'loop_back', 'failed', 'completed', 'cancelled'`

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStageDurations returns average and percentile durations per stage
// attempt. Each transition event is paired with the most recent prior event
// for the same issue; the gap is attributed to the stage that ran.
func QueryStageDurations(ctx context.Context, database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT pe1.stage, pe1.timestamp as end_ts,
			(SELECT MAX(pe2.timestamp) FROM pipeline_events pe2
			 WHERE pe2.issue_key = pe1.issue_key
			 AND pe2.id < pe1.id) as start_ts
		FROM pipeline_events pe1
		WHERE pe1.event IN (` + transitionEvents + `)
		AND pe1.stage != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND pe1.timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var endTS string
		var startTS sql.NullString
		if err := rows.Scan(&stage, &endTS, &startTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		if !startTS.Valid {
			continue
		}
		start, err := parseTimestamp(startTS.String)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		minutes := end.Sub(start).Minutes()
		if minutes > 0 {
			stageDurations[stage] = append(stageDurations[stage], minutes)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageOutcomes holds how attempts at a stage ended.
type StageOutcomes struct {
	Stage    string  `json:"stage"`
	Total    int     `json:"total"`
	Advanced float64 `json:"advanced_pct"`
	Retried  float64 `json:"retried_pct"`
	LoopBack float64 `json:"loop_back_pct"`
	Failed   float64 `json:"failed_pct"`
}

// QueryStageOutcomes returns the share of attempts per stage that advanced,
// retried, looped back or failed.
func QueryStageOutcomes(ctx context.Context, database DB, since string) ([]StageOutcomes, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN event IN ('stage_advanced', 'completed') THEN 1 ELSE 0 END) as advanced,
			SUM(CASE WHEN event = 'retry' THEN 1 ELSE 0 END) as retried,
			SUM(CASE WHEN event = 'loop_back' THEN 1 ELSE 0 END) as loop_back,
			SUM(CASE WHEN event IN ('failed', 'cancelled') THEN 1 ELSE 0 END) as failed
		FROM pipeline_events
		WHERE event IN (` + transitionEvents + `)
		AND stage != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage ORDER BY stage`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage outcomes: %w", err)
	}
	defer rows.Close()

	var results []StageOutcomes
	for rows.Next() {
		var stage string
		var total, advanced, retried, loopBack, failed int
		if err := rows.Scan(&stage, &total, &advanced, &retried, &loopBack, &failed); err != nil {
			return nil, fmt.Errorf("scan stage outcome: %w", err)
		}
		results = append(results, StageOutcomes{
			Stage:    stage,
			Total:    total,
			Advanced: pct(advanced, total),
			Retried:  pct(retried, total),
			LoopBack: pct(loopBack, total),
			Failed:   pct(failed, total),
		})
	}
	return results, rows.Err()
}

// AttemptDist holds how many attempts a stage needed before it was left.
type AttemptDist struct {
	Stage     string  `json:"stage"`
	Total     int     `json:"total"`
	One       float64 `json:"one_attempt_pct"`
	Two       float64 `json:"two_attempts_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// QueryAttempts returns the distribution of the attempt on which each stage
// was left, by advancing, looping back or failing.
func QueryAttempts(ctx context.Context, database DB, since string) ([]AttemptDist, error) {
	query := `
		SELECT stage, attempt
		FROM pipeline_events
		WHERE event IN ('stage_advanced', 'completed', 'loop_back', 'failed')
		AND stage != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	type attemptCount struct {
		one, two, threePlus, total int
	}
	stageAttempts := make(map[string]*attemptCount)

	for rows.Next() {
		var stage string
		var attempt sql.NullInt64
		if err := rows.Scan(&stage, &attempt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}

		if _, ok := stageAttempts[stage]; !ok {
			stageAttempts[stage] = &attemptCount{}
		}
		ac := stageAttempts[stage]
		ac.total++

		switch n := attempt.Int64; {
		case n <= 1:
			ac.one++
		case n == 2:
			ac.two++
		default:
			ac.threePlus++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []AttemptDist
	for stage, ac := range stageAttempts {
		results = append(results, AttemptDist{
			Stage:     stage,
			Total:     ac.total,
			One:       pct(ac.one, ac.total),
			Two:       pct(ac.two, ac.total),
			ThreePlus: pct(ac.threePlus, ac.total),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// PipelineThroughput holds pipeline throughput for a time period.
type PipelineThroughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	AvgDuration float64 `json:"avg_duration_hours"`
}

// QueryPipelineThroughput returns pipeline metrics grouped by week.
func QueryPipelineThroughput(ctx context.Context, database DB, since string) ([]PipelineThroughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', timestamp) as period,
			SUM(CASE WHEN event = 'created' THEN 1 ELSE 0 END) as created,
			SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN event = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN event = 'cancelled' THEN 1 ELSE 0 END) as cancelled
		FROM pipeline_events
		WHERE event IN ('created', 'completed', 'failed', 'cancelled')`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipeline throughput: %w", err)
	}
	defer rows.Close()

	var results []PipelineThroughput
	for rows.Next() {
		var pt PipelineThroughput
		if err := rows.Scan(&pt.Period, &pt.Created, &pt.Completed, &pt.Failed, &pt.Cancelled); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		results = append(results, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Compute avg duration: pair each created with the nearest subsequent completed
	for i := range results {
		durQuery := `
			SELECT AVG(
				(julianday(
					(SELECT MIN(pe2.timestamp) FROM pipeline_events pe2
					 WHERE pe2.issue_key = pe1.issue_key AND pe2.event = 'completed'
					 AND pe2.timestamp > pe1.timestamp)
				) - julianday(pe1.timestamp)) * 24
			) as avg_hours
			FROM pipeline_events pe1
			WHERE pe1.event = 'created'
			AND strftime('%Y-W%W',
				(SELECT MIN(pe2.timestamp) FROM pipeline_events pe2
				 WHERE pe2.issue_key = pe1.issue_key AND pe2.event = 'completed'
				 AND pe2.timestamp > pe1.timestamp)
			) = ?`

		var avgHours sql.NullFloat64
		if err := database.Conn().QueryRowContext(ctx, durQuery, results[i].Period).Scan(&avgHours); err == nil && avgHours.Valid {
			results[i].AvgDuration = math.Round(avgHours.Float64*10) / 10
		}
	}

	return results, nil
}

// IssueEvent holds a single event for issue-detail view.
type IssueEvent struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryIssueDetail returns the full timeline for a specific issue, oldest first.
func QueryIssueDetail(ctx context.Context, database DB, key string) ([]IssueEvent, error) {
	rows, err := database.Conn().QueryContext(ctx,
		`SELECT timestamp, event, stage, attempt, detail
		 FROM pipeline_events WHERE issue_key = ? ORDER BY timestamp, id`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer rows.Close()

	var results []IssueEvent
	for rows.Next() {
		var e IssueEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.Timestamp, &e.Event, &stage, &attempt, &detail); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
