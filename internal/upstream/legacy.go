// Package upstream contains the two concrete query clients, legacy and
// modern, that translate a gauge-set request into observation points.
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"streamvis/internal/domain"
	"streamvis/internal/httpclient"
)

const (
	paramFlow  = "00060"
	paramStage = "00065"
)

// Legacy is the batched key/value query adapter: a single GET carrying all
// tracked site numbers, parsing the nested USGS-style timeSeries shape.
type Legacy struct {
	BaseURL string
	HTTP    *httpclient.Client
}

func NewLegacy(baseURL string, hc *httpclient.Client) *Legacy {
	return &Legacy{BaseURL: baseURL, HTTP: hc}
}

func (l *Legacy) Name() domain.Backend { return domain.BackendLegacy }

// legacyEnvelope mirrors the subset of the upstream response this adapter
// actually reads: value.timeSeries[*].{sourceInfo.siteCode[0].value,
// variable.variableCode[0].value, values[0].value[*].{value, dateTime}}.
type legacyEnvelope struct {
	Value struct {
		TimeSeries []struct {
			SourceInfo struct {
				SiteCode []struct {
					Value string `json:"value"`
				} `json:"siteCode"`
			} `json:"sourceInfo"`
			Variable struct {
				VariableCode []struct {
					Value string `json:"value"`
				} `json:"variableCode"`
			} `json:"variable"`
			Values []struct {
				Value []struct {
					Value     string `json:"value"`
					DateTime  string `json:"dateTime"`
				} `json:"value"`
			} `json:"values"`
		} `json:"timeSeries"`
	} `json:"value"`
}

// Fetch dispatches one batched GET for siteNos. Callers must only set
// modifiedSince when every tracked gauge has been seen once and every
// tracked gauge's cadence is <= 1h; this adapter does not itself verify
// that precondition.
func (l *Legacy) Fetch(ctx context.Context, siteNos []string, modifiedSince *time.Duration) (map[string]domain.GaugeReading, error) {
	if len(siteNos) == 0 {
		return nil, domain.ErrNoSites
	}

	q := url.Values{}
	q.Set("sites", strings.Join(siteNos, ","))
	q.Set("parameterCd", paramFlow+","+paramStage)
	q.Set("format", "json")
	if modifiedSince != nil {
		q.Set("modifiedSince", formatISODuration(*modifiedSince))
	}

	var env legacyEnvelope
	reqURL := l.BaseURL + "?" + q.Encode()
	if err := l.HTTP.GetJSON(ctx, reqURL, &env); err != nil {
		return nil, err
	}

	type partial struct {
		observedAt time.Time
		stage      *float64
		flow       *float64
		haveTS     bool
	}
	bySite := make(map[string]*partial)

	for _, series := range env.Value.TimeSeries {
		if len(series.SourceInfo.SiteCode) == 0 || len(series.Variable.VariableCode) == 0 {
			continue
		}
		site := series.SourceInfo.SiteCode[0].Value
		variable := series.Variable.VariableCode[0].Value
		if len(series.Values) == 0 || len(series.Values[0].Value) == 0 {
			continue
		}
		latest := series.Values[0].Value[0]
		ts, err := time.Parse(time.RFC3339, latest.DateTime)
		if err != nil {
			continue // schema mismatch on this series only; fail soft per-series
		}
		val, err := strconv.ParseFloat(latest.Value, 64)
		if err != nil {
			continue
		}

		p, ok := bySite[site]
		if !ok {
			p = &partial{}
			bySite[site] = p
		}
		if !p.haveTS || ts.After(p.observedAt) {
			p.observedAt = ts
			p.haveTS = true
		}
		v := val
		switch variable {
		case paramStage:
			p.stage = &v
		case paramFlow:
			p.flow = &v
		}
	}

	if len(bySite) == 0 {
		return nil, fmt.Errorf("%w: legacy response carried no usable series", domain.ErrSchema)
	}

	out := make(map[string]domain.GaugeReading, len(bySite))
	for site, p := range bySite {
		out[site] = domain.GaugeReading{ObservedAt: p.observedAt.UTC(), Stage: p.stage, Flow: p.flow}
	}
	return out, nil
}

// FetchHistory retrieves up to window of observations per site in one
// batched GET (the `period` query parameter), used to seed history and
// re-anchor cadence at startup. Stage and flow series are merged by
// (site, timestamp); each site's observations come back ascending.
func (l *Legacy) FetchHistory(ctx context.Context, siteNos []string, window time.Duration) (map[string][]domain.Observation, error) {
	if len(siteNos) == 0 {
		return nil, domain.ErrNoSites
	}

	q := url.Values{}
	q.Set("sites", strings.Join(siteNos, ","))
	q.Set("parameterCd", paramFlow+","+paramStage)
	q.Set("format", "json")
	q.Set("period", formatISODuration(window))

	var env legacyEnvelope
	if err := l.HTTP.GetJSON(ctx, l.BaseURL+"?"+q.Encode(), &env); err != nil {
		return nil, err
	}

	type key struct {
		site string
		ts   int64
	}
	merged := make(map[key]*domain.Observation)
	for _, series := range env.Value.TimeSeries {
		if len(series.SourceInfo.SiteCode) == 0 || len(series.Variable.VariableCode) == 0 || len(series.Values) == 0 {
			continue
		}
		site := series.SourceInfo.SiteCode[0].Value
		variable := series.Variable.VariableCode[0].Value
		for _, point := range series.Values[0].Value {
			ts, err := time.Parse(time.RFC3339, point.DateTime)
			if err != nil {
				continue
			}
			val, err := strconv.ParseFloat(point.Value, 64)
			if err != nil {
				continue
			}
			k := key{site: site, ts: ts.Unix()}
			o, ok := merged[k]
			if !ok {
				o = &domain.Observation{Timestamp: ts.UTC()}
				merged[k] = o
			}
			v := val
			switch variable {
			case paramStage:
				o.Stage = &v
			case paramFlow:
				o.Flow = &v
			}
		}
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: legacy response carried no usable series", domain.ErrSchema)
	}

	out := make(map[string][]domain.Observation, len(siteNos))
	for k, o := range merged {
		out[k.site] = append(out[k.site], *o)
	}
	for site := range out {
		obs := out[site]
		sort.Slice(obs, func(i, j int) bool { return obs[i].Timestamp.Before(obs[j].Timestamp) })
	}
	return out, nil
}

func formatISODuration(d time.Duration) string {
	hours := int(d.Hours())
	return fmt.Sprintf("PT%dH", hours)
}
