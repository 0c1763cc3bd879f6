package store

// Table aliases used by every analytical query over the joined model:
//
//	p   projects
//	sub subjects
//	s   samples
//	ct  cell_types
//	cc  cell_counts
//
// FilterColumns maps filter attributes onto those aliases.
var FilterColumns = map[string]string{
	"project":                   "p.name",
	"subject":                   "sub.subject_id",
	"condition":                 "sub.condition",
	"age":                       "sub.age",
	"sex":                       "sub.sex",
	"treatment":                 "sub.treatment",
	"response":                  "sub.response",
	"sample":                    "s.sample_id",
	"sample_type":               "s.sample_type",
	"time_from_treatment_start": "s.time_from_treatment_start",
	"cell_type":                 "ct.name",
}

// SampleJoin joins samples to their subject and project.
const SampleJoin = `samples s
	JOIN subjects sub ON sub.subject_id = s.subject_id
	JOIN projects p ON p.project_id = sub.project_id`

// FactJoin joins every cell count to its cell type, sample, subject and project.
const FactJoin = `cell_counts cc
	JOIN cell_types ct ON ct.cell_type_id = cc.cell_type_id
	JOIN samples s ON s.sample_id = cc.sample_id
	JOIN subjects sub ON sub.subject_id = s.subject_id
	JOIN projects p ON p.project_id = sub.project_id`

// SubjectJoin joins subjects to their project.
const SubjectJoin = `subjects sub
	JOIN projects p ON p.project_id = sub.project_id`
