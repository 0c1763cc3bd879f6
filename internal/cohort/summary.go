package cohort

import (
	"context"

	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/store"
)

// Summary is the baseline description of a cohort.
type Summary struct {
	Filter              string    `json:"filter"`
	Samples             int64     `json:"samples"`
	Subjects            int64     `json:"subjects"`
	SamplesPerProject   []Group   `json:"samples_per_project"`
	SubjectsPerResponse []Group   `json:"subjects_per_response"`
	SubjectsPerSex      []Group   `json:"subjects_per_sex"`
	SexByResponse       *CrossTab `json:"sex_by_response"`
}

// Summarize runs the baseline queries for the cohort selected by f.
func Summarize(ctx context.Context, q store.Querier, f filter.Filter) (*Summary, error) {
	s := &Summary{Filter: f.String()}
	var err error
	// Subject-level breakdowns are taken over subjects that have samples in
	// the cohort, the same set the sample count describes.
	if s.Samples, err = Count(ctx, q, f, UnitSamples); err != nil {
		return nil, err
	}
	if s.Subjects, err = count(ctx, q, f, UnitSubjects, filter.LevelSample); err != nil {
		return nil, err
	}
	if s.SamplesPerProject, err = GroupCount(ctx, q, f, filter.Project, UnitSamples); err != nil {
		return nil, err
	}
	response, _ := filter.Lookup(filter.Response)
	if s.SubjectsPerResponse, err = groupCount(ctx, q, f, response, UnitSubjects, filter.LevelSample); err != nil {
		return nil, err
	}
	sex, _ := filter.Lookup(filter.Sex)
	if s.SubjectsPerSex, err = groupCount(ctx, q, f, sex, UnitSubjects, filter.LevelSample); err != nil {
		return nil, err
	}
	if s.SexByResponse, err = crossTabAt(ctx, q, f, filter.Sex, filter.Response, filter.LevelSample); err != nil {
		return nil, err
	}
	return s, nil
}
