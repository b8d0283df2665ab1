package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"histalign/internal/geometry"
	"histalign/internal/pipeline"
	"histalign/internal/registration"
	"histalign/internal/slide"
)

// JobRequest is the body of POST /api/jobs. Unset fields fall back to the
// server defaults.
type JobRequest struct {
	Type         string   `json:"type"`
	ID           string   `json:"id,omitempty"`
	Input        string   `json:"input,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	Output       string   `json:"output,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	Reference    string   `json:"reference,omitempty"`
	Order        []string `json:"order,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	MicroRigid   *bool    `json:"micro_rigid,omitempty"`
	SkipNonRigid *bool    `json:"skip_non_rigid,omitempty"`
	Micro        *bool    `json:"micro,omitempty"`
	MaxDim       *int     `json:"max_dim,omitempty"`
	Format       string   `json:"format,omitempty"`
	Crop         *bool    `json:"crop,omitempty"`
}

// Job converts the request into a pipeline job.
func (req JobRequest) Job(defaults registration.Options, warp registration.WarpOptions) (pipeline.Job, error) {
	typ := pipeline.JobType(strings.ToLower(strings.TrimSpace(req.Type)))
	if typ == "" {
		typ = pipeline.JobRegister
	}
	opts := defaults
	switch typ {
	case pipeline.JobRegister:
		if req.Input == "" && len(req.Sources) == 0 {
			return pipeline.Job{}, fmt.Errorf("register job needs input or sources")
		}
	case pipeline.JobWarp:
		if req.RunID == "" || req.Output == "" {
			return pipeline.Job{}, fmt.Errorf("warp job needs run_id and output")
		}
	default:
		return pipeline.Job{}, fmt.Errorf("unknown job type %q", req.Type)
	}

	if req.Reference != "" {
		opts.Reference = req.Reference
	}
	if len(req.Order) > 0 {
		opts.Order = req.Order
	}
	if req.Strategy != "" {
		s, err := registration.ParseStrategy(req.Strategy)
		if err != nil {
			return pipeline.Job{}, err
		}
		opts.Strategy = s
	}
	if req.MicroRigid != nil {
		opts.MicroRigid = *req.MicroRigid
	}
	if req.SkipNonRigid != nil {
		opts.SkipNonRigid = *req.SkipNonRigid
	}
	if req.Micro != nil {
		opts.Micro = *req.Micro
	}
	if req.MaxDim != nil {
		warp.MaxDim = *req.MaxDim
	}
	if req.Format != "" {
		warp.Ext = req.Format
	}
	if req.Crop != nil {
		warp.Crop = *req.Crop
	}

	id := req.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", typ, uuid.NewString()[:8])
	}
	return pipeline.Job{
		ID:           id,
		Type:         typ,
		InputPath:    req.Input,
		Output:       req.Output,
		Sources:      req.Sources,
		RunID:        req.RunID,
		Registration: opts,
		Warp:         warp,
		Options: map[string]any{
			"reference":      opts.Reference,
			"order":          opts.Order,
			"strategy":       string(opts.Strategy),
			"micro_rigid":    opts.MicroRigid,
			"skip_non_rigid": opts.SkipNonRigid,
			"micro":          opts.Micro,
			"max_dim":        warp.MaxDim,
			"format":         warp.Ext,
			"crop":           warp.Crop,
			"run_id":         req.RunID,
		},
	}, nil
}

type jobView struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func newJobView(res pipeline.Result) *jobView {
	v := &jobView{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
	if res.Error != nil {
		v.Error = res.Error.Error()
	}
	return v
}

type slideView struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"`
	Status      string           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Rank        int              `json:"rank"`
	Rigid       *geometry.Affine `json:"rigid,omitempty"`
	MicroRigid  *geometry.Affine `json:"micro_rigid,omitempty"`
	NonRigid    bool             `json:"non_rigid"`
	Micro       bool             `json:"micro"`
	NoRigidFit  bool             `json:"no_rigid_fit"`
	RigidFailed bool             `json:"rigid_failed"`
}

type runView struct {
	ID        string                   `json:"id"`
	CreatedAt time.Time                `json:"created_at"`
	Reference string                   `json:"reference"`
	Order     []string                 `json:"order"`
	Frame     registration.Frame       `json:"frame"`
	BBox      geometry.Rect            `json:"bbox"`
	Slides    []slideView              `json:"slides"`
	Skipped   []registration.SkipEntry `json:"skipped"`
}

func newRunView(snap registration.Snapshot) runView {
	v := runView{
		ID:        snap.RunID,
		CreatedAt: snap.CreatedAt,
		Reference: snap.Ordering.Reference(),
		Order:     snap.Ordering.IDs,
		Frame:     snap.Frame,
		BBox:      snap.BBox,
		Skipped:   snap.Skipped,
	}
	for _, sl := range snap.Slides {
		sv := slideView{
			ID:          sl.ID,
			Source:      sl.Source,
			Status:      sl.Status.String(),
			Reason:      sl.Reason,
			Rank:        sl.Rank,
			MicroRigid:  sl.MicroRigid,
			NonRigid:    sl.NonRigid != nil,
			Micro:       sl.Micro != nil,
			NoRigidFit:  sl.NoRigidFit,
			RigidFailed: sl.RigidFailed,
		}
		if sl.Status == slide.Loaded {
			rigid := sl.Rigid
			sv.Rigid = &rigid
		}
		v.Slides = append(v.Slides, sv)
	}
	return v
}

// message is one websocket frame.
type message struct {
	Type   string          `json:"type"`
	Event  *pipeline.Event `json:"event,omitempty"`
	Result *jobView        `json:"result,omitempty"`
}
