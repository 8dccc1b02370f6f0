package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"recurring-scheduler/internal/models"
)

// BootstrapFile lists named jobs a worker ensures on startup.
//
//	jobs:
//	  - name: heartbeat
//	    interval: 30s
//	    target: demo.log
//	    args: {message: "still here"}
//	  - name: nightly
//	    cronspec: "0 3 * * *"
//	    target: demo.log
type BootstrapFile struct {
	Jobs []BootstrapJob `yaml:"jobs"`
}

type BootstrapJob struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Cronspec string        `yaml:"cronspec"`
	Target   string        `yaml:"target"`
	Args     models.Args   `yaml:"args"`
}

// LoadBootstrap reads and validates the bootstrap file at path.
func LoadBootstrap(path string) (BootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BootstrapFile{}, errors.Wrapf(err, "read bootstrap file %s", path)
	}
	f, err := ParseBootstrap(data)
	if err != nil {
		return BootstrapFile{}, errors.Wrapf(err, "bootstrap file %s", path)
	}
	return f, nil
}

func ParseBootstrap(data []byte) (BootstrapFile, error) {
	var f BootstrapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return BootstrapFile{}, errors.Wrap(err, "decode yaml")
	}
	seen := make(map[string]bool, len(f.Jobs))
	for i, j := range f.Jobs {
		switch {
		case j.Name == "":
			return BootstrapFile{}, errors.Newf("jobs[%d]: name is required", i)
		case seen[j.Name]:
			return BootstrapFile{}, errors.Newf("jobs[%d]: duplicate name %q", i, j.Name)
		case j.Target == "":
			return BootstrapFile{}, errors.Newf("jobs[%d] %q: target is required", i, j.Name)
		case (j.Interval == 0) == (j.Cronspec == ""):
			return BootstrapFile{}, errors.Newf("jobs[%d] %q: set exactly one of interval and cronspec", i, j.Name)
		}
		seen[j.Name] = true
	}
	return f, nil
}

// ApplyBootstrap ensures every job in f exists. Jobs already registered under the
// same name are left as they are. It returns the number of jobs created.
func (s *Service) ApplyBootstrap(ctx context.Context, f BootstrapFile) (int, error) {
	created := 0
	for _, j := range f.Jobs {
		var (
			ok  bool
			err error
		)
		if j.Cronspec != "" {
			_, ok, err = s.EnsureCron(ctx, j.Name, j.Cronspec, j.Target, j.Args)
		} else {
			_, ok, err = s.EnsureInterval(ctx, j.Name, j.Interval, j.Target, j.Args)
		}
		if err != nil {
			return created, errors.Wrapf(err, "bootstrap job %q", j.Name)
		}
		if ok {
			created++
		}
	}
	return created, nil
}
