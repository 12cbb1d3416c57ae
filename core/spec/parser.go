package spec

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ml-scheduler/core/models"
)

// JobSpec is the YAML job specification accepted at submission time.
type JobSpec struct {
	Job JobSpecJob `yaml:"job"`
}

// JobSpecJob represents the job section of the spec
type JobSpecJob struct {
	Owner    string        `yaml:"owner"`
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Priority string        `yaml:"priority"`
	Config   JobSpecConfig `yaml:"config"`
}

// JobSpecConfig represents the training configuration section
type JobSpecConfig struct {
	ModelType       string  `yaml:"model_type"`
	DatasetSize     int     `yaml:"dataset_size"`
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	MemoryCeilingGB float64 `yaml:"memory_ceiling_gb"`
}

// Submission is a parsed, validated job submission.
type Submission struct {
	OwnerID  string
	Name     string
	JobType  models.JobType
	Priority models.Priority
	Config   models.TrainingConfig
}

// ParseJobSpec parses a YAML job specification into a submission.
func ParseJobSpec(specYAML string) (*Submission, error) {
	var spec JobSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, errors.Wrap(err, "parsing job spec YAML")
	}

	if spec.Job.Owner == "" {
		return nil, errors.New("job spec is missing owner")
	}

	jobType := models.JobType(spec.Job.Type)
	if spec.Job.Type == "" {
		jobType = models.JobTypeTraining
	}

	priority := models.Priority(spec.Job.Priority)
	if spec.Job.Priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, errors.Errorf("unknown priority %q", spec.Job.Priority)
	}

	return &Submission{
		OwnerID:  spec.Job.Owner,
		Name:     spec.Job.Name,
		JobType:  jobType,
		Priority: priority,
		Config: models.TrainingConfig{
			ModelType:       spec.Job.Config.ModelType,
			DatasetSize:     spec.Job.Config.DatasetSize,
			BatchSize:       spec.Job.Config.BatchSize,
			Epochs:          spec.Job.Config.Epochs,
			MemoryCeilingGB: spec.Job.Config.MemoryCeilingGB,
		},
	}, nil
}
