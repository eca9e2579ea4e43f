// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric exports protocol counters in the Prometheus text format.
package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"fwnet.dev/fwnet/pkg/tcpip"
)

const (
	// Namespace prefixes every exported metric name.
	Namespace = "fwnet"

	// LinkLabel is the label holding the link address of a stats set.
	LinkLabel = "link"
)

// snakeCase converts a Go field name to a metric name component, keeping
// acronyms together: "ICMPErrorsReported" becomes "icmp_errors_reported".
func snakeCase(s string) string {
	r := []rune(s)
	var b strings.Builder
	for i, c := range r {
		if i > 0 && unicode.IsUpper(c) {
			prev := r[i-1]
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

// Name returns the metric name of the counter name in group.
func Name(group, name string) string {
	return fmt.Sprintf("%s_%s_%s", Namespace, snakeCase(group), snakeCase(name))
}

// Source is one link's counters.
type Source struct {
	Link  tcpip.LinkAddress
	Stats *tcpip.Stats
}

// Families builds one counter family per stat, with a sample per source.
// Families are sorted by name.
func Families(sources ...Source) []*dto.MetricFamily {
	byName := make(map[string]*dto.MetricFamily)
	for _, src := range sources {
		link := src.Link.String()
		src.Stats.Walk(func(group, name string, c *tcpip.StatCounter) {
			n := Name(group, name)
			mf, ok := byName[n]
			if !ok {
				mf = &dto.MetricFamily{
					Name: proto.String(n),
					Help: proto.String(fmt.Sprintf("%s counter %s.", group, name)),
					Type: dto.MetricType_COUNTER.Enum(),
				}
				byName[n] = mf
			}
			mf.Metric = append(mf.Metric, &dto.Metric{
				Label: []*dto.LabelPair{{
					Name:  proto.String(LinkLabel),
					Value: proto.String(link),
				}},
				Counter: &dto.Counter{Value: proto.Float64(float64(c.Value()))},
			})
		})
	}
	families := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		families = append(families, mf)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

// WriteText writes the counters of sources to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer, sources ...Source) error {
	for _, mf := range Families(sources...) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
