// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// scheduleFile is the YAML layout of a schedule file:
//
//	location: Europe/Berlin
//	jobs:
//	  - id: nightly-report
//	    class: Report
//	    queue: reports
//	    cron: "0 3 * * *"
//	    args: ["daily"]
//	  - class: Ping
//	    every: 30s
type scheduleFile struct {
	Location string             `yaml:"location"`
	Jobs     []scheduleFileItem `yaml:"jobs"`
}

type scheduleFileItem struct {
	ID    string        `yaml:"id"`
	Class string        `yaml:"class"`
	Queue string        `yaml:"queue"`
	Cron  string        `yaml:"cron"`
	Every string        `yaml:"every"`
	Args  []interface{} `yaml:"args"`
}

// ParseSchedule parses YAML schedule data into periodic jobs and
// the time zone location named by the document, nil if none.
func ParseSchedule(data []byte) ([]PeriodicJob, *time.Location, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("resq: cannot parse schedule: %v", err)
	}
	var loc *time.Location
	if f.Location != "" {
		l, err := time.LoadLocation(f.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("resq: invalid schedule location %q: %v", f.Location, err)
		}
		loc = l
	}
	jobs := make([]PeriodicJob, 0, len(f.Jobs))
	for i, item := range f.Jobs {
		if item.Class == "" {
			return nil, nil, fmt.Errorf("resq: schedule job #%d: class is required", i+1)
		}
		job := PeriodicJob{ID: item.ID, Class: item.Class, Queue: item.Queue, Args: normalizeYAML(item.Args)}
		switch {
		case item.Cron != "" && item.Every != "":
			return nil, nil, fmt.Errorf("resq: schedule job %s: cron and every are mutually exclusive", item.Class)
		case item.Cron != "":
			job.Every = Cron(item.Cron)
		case item.Every != "":
			d, err := time.ParseDuration(item.Every)
			if err != nil {
				return nil, nil, fmt.Errorf("resq: schedule job %s: invalid every %q: %v", item.Class, item.Every, err)
			}
			job.Every = Interval(d)
		default:
			return nil, nil, fmt.Errorf("resq: schedule job %s: one of cron or every is required", item.Class)
		}
		jobs = append(jobs, job)
	}
	return jobs, loc, nil
}

// LoadScheduleFile reads and parses the schedule file at path.
func LoadScheduleFile(path string) ([]PeriodicJob, *time.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return ParseSchedule(data)
}

// RegisterFile registers every job of the schedule file at path and
// returns the number of jobs registered. A location named by the file
// replaces the scheduler's location, so it must be loaded before Start.
func (s *Scheduler) RegisterFile(path string) (int, error) {
	jobs, loc, err := LoadScheduleFile(path)
	if err != nil {
		return 0, err
	}
	if loc != nil {
		s.location = loc
	}
	for i, job := range jobs {
		if _, err := s.Register(job); err != nil {
			return i, err
		}
	}
	return len(jobs), nil
}

// normalizeYAML converts the map[string]interface{} values yaml.v3 produces
// for nested mappings so that args encode the same as JSON objects.
func normalizeYAML(args []interface{}) []interface{} {
	if args == nil {
		return nil
	}
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = normalizeValue(a)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = normalizeValue(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range v {
			v[k] = normalizeValue(val)
		}
		return v
	case []interface{}:
		return normalizeYAML(v)
	}
	return v
}
