package templates

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Workflow names an engine workflow and the task queue it is served on.
type Workflow struct {
	Name      string `yaml:"workflow"`
	TaskQueue string `yaml:"task_queue"`
}

// BranchCase is one arm of a conditional node: the node the engine queues when
// the arm is taken, and the workflow tasks that only run on that arm.
type BranchCase struct {
	Node  string   `yaml:"node"`
	Tasks []string `yaml:"tasks"`
}

type Branch struct {
	Node        string       `yaml:"node"`
	SkipMessage string       `yaml:"skip_message"`
	Cases       []BranchCase `yaml:"cases"`
}

type Template struct {
	Type     jobs.JobType `yaml:"-"`
	Main     Workflow     `yaml:"main"`
	Revert   *Workflow    `yaml:"revert"`
	Branches []Branch     `yaml:"branches"`
	// Steps lists the task ids reported for the main workflow, in display
	// order. When set, every branch case task must be one of them.
	Steps []string `yaml:"steps"`
}

// SkippedBy returns the branch containing caseNode and the tasks of every
// other case of it. ok is false when caseNode is not a branch case.
func (t *Template) SkippedBy(caseNode string) (branch Branch, skipped []string, ok bool) {
	if t == nil || caseNode == "" {
		return Branch{}, nil, false
	}
	for _, b := range t.Branches {
		taken := -1
		for i, c := range b.Cases {
			if c.Node == caseNode {
				taken = i
				break
			}
		}
		if taken < 0 {
			continue
		}
		for i, c := range b.Cases {
			if i != taken {
				skipped = append(skipped, c.Tasks...)
			}
		}
		return b, skipped, true
	}
	return Branch{}, nil, false
}

type file struct {
	DefaultTaskQueue string               `yaml:"default_task_queue"`
	Templates        map[string]*Template `yaml:"templates"`
}

// Registry maps each job type to its workflow template. It is built and
// validated once at startup and read-only afterwards.
type Registry struct {
	byType map[jobs.JobType]*Template
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[jobs.JobType]*Template)}
}

func (r *Registry) Register(t *Template) error {
	if t == nil {
		return fmt.Errorf("nil template")
	}
	if t.Type == "" {
		return fmt.Errorf("template type is empty")
	}
	if err := validate(t); err != nil {
		return fmt.Errorf("template %s: %w", t.Type, err)
	}
	if _, exists := r.byType[t.Type]; exists {
		return fmt.Errorf("template already registered for job_type=%s", t.Type)
	}
	r.byType[t.Type] = t
	return nil
}

func (r *Registry) Resolve(jobType jobs.JobType) (*Template, bool) {
	t, ok := r.byType[jobType]
	return t, ok
}

// ResolveRevert returns nil when the job type has no revert path.
func (r *Registry) ResolveRevert(jobType jobs.JobType) *Workflow {
	t, ok := r.byType[jobType]
	if !ok || t.Revert == nil {
		return nil
	}
	return t.Revert
}

func (r *Registry) Types() []jobs.JobType {
	out := make([]jobs.JobType, 0, len(r.byType))
	for k := range r.byType {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse builds a registry from YAML.
func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("parse templates: no templates defined")
	}
	r := NewRegistry()
	for name, t := range f.Templates {
		if t == nil {
			return nil, fmt.Errorf("template %s: empty", name)
		}
		t.Type = jobs.JobType(strings.TrimSpace(name))
		if t.Main.TaskQueue == "" {
			t.Main.TaskQueue = f.DefaultTaskQueue
		}
		if t.Revert != nil && t.Revert.TaskQueue == "" {
			t.Revert.TaskQueue = f.DefaultTaskQueue
		}
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads templates from path, or the embedded defaults when path is empty.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultTemplates)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	return Parse(raw)
}

func validate(t *Template) error {
	if strings.TrimSpace(t.Main.Name) == "" {
		return fmt.Errorf("main workflow is required")
	}
	if t.Main.TaskQueue == "" {
		return fmt.Errorf("main task queue is required")
	}
	if t.Revert != nil {
		if strings.TrimSpace(t.Revert.Name) == "" {
			return fmt.Errorf("revert workflow name is empty")
		}
		if t.Revert.TaskQueue == "" {
			return fmt.Errorf("revert task queue is required")
		}
	}
	steps := map[string]bool{}
	for _, s := range t.Steps {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("step id is empty")
		}
		if steps[s] {
			return fmt.Errorf("step %s listed twice", s)
		}
		steps[s] = true
	}
	seen := map[string]bool{}
	for _, b := range t.Branches {
		if b.Node == "" {
			return fmt.Errorf("branch node is empty")
		}
		if len(b.Cases) < 2 {
			return fmt.Errorf("branch %s needs at least two cases", b.Node)
		}
		for _, c := range b.Cases {
			if c.Node == "" {
				return fmt.Errorf("branch %s has a case without node", b.Node)
			}
			if seen[c.Node] {
				return fmt.Errorf("case node %s appears in more than one branch", c.Node)
			}
			seen[c.Node] = true
			for _, task := range c.Tasks {
				if len(steps) > 0 && !steps[task] {
					return fmt.Errorf("branch %s case %s names unknown step %s", b.Node, c.Node, task)
				}
			}
		}
	}
	return nil
}
