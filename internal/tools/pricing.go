package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kubilitics/kubilitics-pricing/internal/auth"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Tool names.
const (
	ToolRecommendPrice    = "recommend_price"
	ToolGetRecommendation = "get_recommendation"
	ToolListPending       = "list_pending"
	ToolApprovalHistory   = "approval_history"
	ToolSubmitApproval    = "submit_approval"
)

// Agent is the part of the pipeline the tools call.
type Agent interface {
	Process(ctx context.Context, req pricing.PricingRequest) (*pricing.Recommendation, error)
	Get(ctx context.Context, id string) (*pricing.Recommendation, error)
	ListPending(ctx context.Context, role *pricing.Role) ([]*pricing.Recommendation, error)
	SubmitApproval(ctx context.Context, action pricing.ApprovalAction) (bool, error)
	History(id string) []pricing.ApprovalRecord
}

// funcTool adapts plain functions to Handler.
type funcTool struct {
	def  Definition
	exec func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

func (t funcTool) Definition() Definition { return t.def }

func (t funcTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.exec(ctx, params)
}

// Validate checks required parameters and declared types.
func (t funcTool) Validate(params map[string]interface{}) error {
	for name, p := range t.def.Params {
		v, ok := params[name]
		if !ok || v == nil {
			if p.Required {
				return fmt.Errorf("%s is required", name)
			}
			continue
		}
		switch p.Type {
		case "string":
			s, isString := v.(string)
			if !isString {
				return fmt.Errorf("%s must be a string", name)
			}
			if p.Required && strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", name)
			}
		case "array":
			if _, err := stringSlice(v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	for name := range params {
		if _, known := t.def.Params[name]; !known {
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	return nil
}

func str(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func stringSlice(v interface{}) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of strings")
	}
}

func optionalRole(params map[string]interface{}, key string) (*pricing.Role, error) {
	s := str(params, key)
	if s == "" {
		return nil, nil
	}
	r, err := pricing.ParseRole(s)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RegisterPricingTools registers the pricing tool set backed by agent.
func RegisterPricingTools(reg *Registry, agent Agent) error {
	for _, t := range pricingTools(agent) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func pricingTools(agent Agent) []funcTool {
	idParam := Param{Type: "string", Description: "recommendation id", Required: true}
	return []funcTool{
		{
			def: Definition{
				Name:        ToolRecommendPrice,
				Description: "Screen a pricing question, propose a price and route it for approval. The result is pending, or rejected with the reason.",
				Params: map[string]Param{
					"query":        {Type: "string", Description: "natural-language pricing question", Required: true},
					"product_ids":  {Type: "array", Description: "product ids to price"},
					"context":      {Type: "string", Description: "extra business context"},
					"requested_by": {Type: "string", Description: "requester id"},
				},
			},
			exec: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				req := pricing.PricingRequest{
					Query:       str(params, "query"),
					Context:     str(params, "context"),
					RequestedBy: str(params, "requested_by"),
				}
				if v, ok := params["product_ids"]; ok && v != nil {
					ids, err := stringSlice(v)
					if err != nil {
						return nil, err
					}
					req.ProductIDs = ids
				}
				return agent.Process(ctx, req)
			},
		},
		{
			def: Definition{
				Name:        ToolGetRecommendation,
				Description: "Fetch a recommendation by id.",
				Params:      map[string]Param{"id": idParam},
			},
			exec: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return agent.Get(ctx, str(params, "id"))
			},
		},
		{
			def: Definition{
				Name:        ToolListPending,
				Description: "List recommendations awaiting approval, optionally only those a role may resolve.",
				Params: map[string]Param{
					"role": {Type: "string", Description: "analyst, senior_analyst, manager or director"},
				},
			},
			exec: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				role, err := optionalRole(params, "role")
				if err != nil {
					return nil, err
				}
				recs, err := agent.ListPending(ctx, role)
				if err != nil {
					return nil, err
				}
				if recs == nil {
					recs = []*pricing.Recommendation{}
				}
				return recs, nil
			},
		},
		{
			def: Definition{
				Name:        ToolApprovalHistory,
				Description: "List the approval attempts made against a recommendation.",
				Params:      map[string]Param{"id": idParam},
			},
			exec: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id := str(params, "id")
				if _, err := agent.Get(ctx, id); err != nil {
					return nil, err
				}
				h := agent.History(id)
				if h == nil {
					h = []pricing.ApprovalRecord{}
				}
				return h, nil
			},
		},
		{
			def: Definition{
				Name:        ToolSubmitApproval,
				Description: "Approve or reject a pending recommendation. The approver's role must cover the recommendation's threshold.",
				Destructive: true,
				Params: map[string]Param{
					"id":            idParam,
					"decision":      {Type: "string", Description: "approved or rejected", Required: true},
					"notes":         {Type: "string", Description: "approver notes"},
					"approver_id":   {Type: "string", Description: "approver id, ignored for authenticated calls"},
					"approver_role": {Type: "string", Description: "approver role, ignored for authenticated calls"},
				},
			},
			exec: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				action := pricing.ApprovalAction{
					RecommendationID: str(params, "id"),
					Decision:         pricing.Decision(str(params, "decision")),
					Notes:            str(params, "notes"),
				}
				if claims := auth.ClaimsFromContext(ctx); claims != nil {
					action.ApproverID = claims.UserID
					action.ApproverRole = claims.Role
				} else {
					role, err := pricing.ParseRole(str(params, "approver_role"))
					if err != nil {
						return nil, fmt.Errorf("approver_role: %w", err)
					}
					action.ApproverID = str(params, "approver_id")
					action.ApproverRole = role
				}
				if _, err := agent.SubmitApproval(ctx, action); err != nil {
					return nil, err
				}
				return agent.Get(ctx, action.RecommendationID)
			},
		},
	}
}
