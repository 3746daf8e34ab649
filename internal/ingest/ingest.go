// Package ingest implements the normalization pipeline (C9): the
// classify -> prepare -> persist algorithm that turns a provider's
// CanonicalRecord batch into SeriesRow/SummaryRow writes. Ported from
// StandardHealthService.process_standard_data /
// _classify_and_prepare_records / _prepare_summary_record /
// _prepare_series_record / _calculate_summary_time_range_from_common in
// data_upload/services/upload_health.py.
//
// Only this code path is kept live: original_source contains a second,
// near-duplicate _prepare_record_for_batch method that is never reached
// from process_standard_data. Per the Open Question in spec.md §9, that
// duplicate is treated as dead and is not ported — see DESIGN.md.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/catalog"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/store"
)

// percentageHandlingSource is the only source the original gates
// percentage-handling normalization on, per the Open Question's resolution
// in spec.md §9 (verified against source data rather than enabled broadly).
const percentageHandlingSource = "apple_health"

// Pipeline turns provider-normalized records into persisted rows.
type Pipeline struct {
	series  *store.SeriesStore
	summary *store.SummaryStore
}

// New builds a Pipeline over the two health-data stores.
func New(series *store.SeriesStore, summary *store.SummaryStore) *Pipeline {
	return &Pipeline{series: series, summary: summary}
}

// ProcessStandardData classifies, prepares, and persists one batch of
// canonical records for one user, matching process_standard_data.
func (p *Pipeline) ProcessStandardData(ctx context.Context, result provider.FormatResult) error {
	loc := resolveTimezone(result.Meta.Timezone)

	var seriesRows []store.SeriesRow
	var summaryRows []store.SummaryRow

	for _, rec := range result.Records {
		if !catalog.IsValid(rec.IndicatorID) {
			log.Warn().Str("indicator", rec.IndicatorID).Msg("ingest: unknown indicator, skipping record")
			continue
		}

		percentageHandling := result.Meta.Source == percentageHandlingSource
		value, unit := normalizeValue(rec, percentageHandling)
		recordTime := time.UnixMilli(rec.TimestampMs).UTC()

		if catalog.IsSeries(rec.IndicatorID) {
			seriesRows = append(seriesRows, prepareSeriesRow(result.Meta.UserID, rec, value, unit, recordTime))
		}
		if catalog.IsSummary(rec.IndicatorID) {
			summaryRows = append(summaryRows, prepareSummaryRow(result.Meta.UserID, rec, value, unit, recordTime, loc))
		}
	}

	if len(seriesRows) > 0 {
		if err := p.series.UpsertBatch(ctx, seriesRows); err != nil {
			return fmt.Errorf("ingest: persist series batch: %w", err)
		}
	}
	if len(summaryRows) > 0 {
		if err := p.summary.UpsertBatch(ctx, summaryRows); err != nil {
			return fmt.Errorf("ingest: persist summary batch: %w", err)
		}
	}
	return nil
}

// resolveTimezone falls back to UTC on an empty or unrecognized IANA zone
// name, matching _get_user_timezone's "never fail, fall back to UTC"
// contract.
func resolveTimezone(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn().Str("timezone", name).Err(err).Msg("ingest: unrecognized timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

// normalizeValue converts rec.Value through the catalog's unit conversion,
// then applies percentage handling (multiply fractional values by 100) when
// gated on. String-label values (e.g. reproductive indicators) pass through
// unchanged.
func normalizeValue(rec provider.CanonicalRecord, percentageHandling bool) (string, string) {
	num, isNumeric := rec.Value.(float64)
	if !isNumeric {
		if s, ok := rec.Value.(string); ok {
			return s, rec.Unit
		}
		return fmt.Sprintf("%v", rec.Value), rec.Unit
	}

	converted, unit := catalog.Convert(rec.IndicatorID, num, rec.Unit)

	if percentageHandling {
		if stdUnit, ok := catalog.StandardUnit(rec.IndicatorID); ok && stdUnit == "%" && unit != "%" {
			converted *= 100
			unit = "%"
		}
	}

	return strconv.FormatFloat(converted, 'f', -1, 64), unit
}

func prepareSeriesRow(userID string, rec provider.CanonicalRecord, value, unit string, recordTime time.Time) store.SeriesRow {
	return store.SeriesRow{
		UserID:    userID,
		Indicator: rec.IndicatorID,
		Source:    rec.Source,
		Time:      recordTime,
		Value:     value,
		Timezone:  rec.Timezone,
		SourceID:  sourceTableID(rec),
		TaskID:    rec.TaskID,
	}
}

func prepareSummaryRow(userID string, rec provider.CanonicalRecord, value, unit string, recordTime time.Time, loc *time.Location) store.SummaryRow {
	start, end := calculateSummaryTimeRange(rec, recordTime, loc)

	comment := fmt.Sprintf("Source: %s, Unit: %s, timezone: %s", rec.Source, unit, rec.Timezone)
	if rec.Comment != "" {
		comment = comment + ", " + rec.Comment
	}

	return store.SummaryRow{
		UserID:        userID,
		Indicator:     rec.IndicatorID,
		StartTime:     start,
		EndTime:       end,
		Value:         value,
		Source:        rec.Source,
		SourceTable:   rec.Source,
		SourceTableID: sourceTableID(rec),
		Comment:       comment,
		TaskID:        rec.TaskID,
	}
}

// calculateSummaryTimeRange prefers the record's explicit start/end;
// otherwise it infers bounds from the indicator's name via the catalog,
// converting to the user's local wall-clock time (stored without a
// timezone offset, representing local time) — matching
// _calculate_summary_time_range_from_common.
func calculateSummaryTimeRange(rec provider.CanonicalRecord, recordTime time.Time, loc *time.Location) (time.Time, time.Time) {
	if rec.StartMs != nil && rec.EndMs != nil {
		start := time.UnixMilli(*rec.StartMs).In(loc)
		end := time.UnixMilli(*rec.EndMs).In(loc)
		return stripZone(start), stripZone(end)
	}

	kind := catalog.InferInterval(rec.IndicatorID)
	start, end := catalog.Bounds(kind, recordTime.In(loc), loc)
	return stripZone(start), stripZone(end)
}

// stripZone returns a time.Time carrying t's local wall-clock fields but
// with no timezone offset, since the summary table stores naive local time.
func stripZone(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// sourceTableID carries the id downstream cascade-delete keys off, matching
// the append of source_table_id = msg_id (or provider-specific id) at step 6
// of the algorithm.
func sourceTableID(rec provider.CanonicalRecord) string {
	if rec.SourceID != "" {
		return rec.SourceID
	}
	return rec.TaskID
}
