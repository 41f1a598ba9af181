package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/impulse_guard/internal/analysis"
	"github.com/dgnsrekt/impulse_guard/internal/capture"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/dgnsrekt/impulse_guard/internal/journal"
)

// Decision choices reported by the warning prompt.
const (
	ChoiceProceed = "proceed"
	ChoiceAbandon = "abandon"
)

func registerTabHandlers(api huma.API, d Deps) {
	submit := func(ctx context.Context, tabID string, ev coordinator.Event) (*acceptedOutput, error) {
		if err := d.Coordinator.Submit(ctx, ev); err != nil {
			return nil, mapErr(err)
		}
		return accepted(tabID), nil
	}

	type locationInput struct {
		TabID string `path:"tab_id" minLength:"1" maxLength:"128"`
		Body  struct {
			Location string `json:"location" required:"true" minLength:"1" doc:"Page URL the tab is on"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "checkout-entered", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/checkout", Summary: "Report that a tab entered a checkout page", Tags: []string{"Tabs"}, DefaultStatus: http.StatusAccepted},
		func(ctx context.Context, input *locationInput) (*acceptedOutput, error) {
			return submit(ctx, input.TabID, coordinator.CheckoutEntered{TabID: input.TabID, Location: input.Body.Location})
		})

	huma.Register(api, huma.Operation{OperationID: "checkout-exited", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/checkout", Summary: "Report that a tab left its checkout page", Tags: []string{"Tabs"}, DefaultStatus: http.StatusAccepted},
		func(ctx context.Context, input *struct {
			TabID  string `path:"tab_id" minLength:"1" maxLength:"128"`
			Reason string `query:"reason" default:"client_exit" doc:"Why the tab left (e.g. navigated_away, client_exit)"`
		}) (*acceptedOutput, error) {
			return submit(ctx, input.TabID, coordinator.CheckoutExited{TabID: input.TabID, Reason: input.Reason})
		})

	huma.Register(api, huma.Operation{OperationID: "tab-navigated", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/navigation", Summary: "Report a tab navigation", Tags: []string{"Tabs"}, DefaultStatus: http.StatusAccepted},
		func(ctx context.Context, input *locationInput) (*acceptedOutput, error) {
			return submit(ctx, input.TabID, coordinator.TabNavigated{TabID: input.TabID, Location: input.Body.Location})
		})

	huma.Register(api, huma.Operation{OperationID: "tab-closed", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}", Summary: "Report that a tab was closed", Tags: []string{"Tabs"}, DefaultStatus: http.StatusAccepted},
		func(ctx context.Context, input *tabIDInput) (*acceptedOutput, error) {
			return submit(ctx, input.TabID, coordinator.TabClosed{TabID: input.TabID})
		})

	type frameOutput struct {
		Body struct {
			TabID     string `json:"tab_id"`
			Delivered bool   `json:"delivered" doc:"False when no check was waiting; the frame is held briefly"`
			Digest    string `json:"digest,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "upload-frame", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/frame", Summary: "Upload a camera frame (or capture error) for a pending check", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id" minLength:"1" maxLength:"128"`
			Body  struct {
				CheckID     string `json:"check_id" required:"true" minLength:"1" maxLength:"128" doc:"Check the frame was taken for, from the begin_check effect"`
				ImageBase64 string `json:"image_base64,omitempty" doc:"JPEG frame, base64 or data: URL"`
				Error       string `json:"error,omitempty" enum:"permission_denied,device_unavailable" doc:"Set instead of image_base64 when capture failed"`
				Message     string `json:"message,omitempty"`
			}
		}) (*frameOutput, error) {
			if d.Frames == nil {
				return nil, mapErr(errFramesDisabled)
			}
			var up capture.Upload
			if input.Body.Error != "" {
				up = capture.Upload{CheckID: input.Body.CheckID, ErrCode: input.Body.Error, Message: input.Body.Message}
			} else {
				frame, err := capture.DecodeFrame(input.Body.ImageBase64, d.MaxFrameBytes)
				if err != nil {
					return nil, huma.Error400BadRequest(err.Error())
				}
				up = capture.Upload{CheckID: input.Body.CheckID, Frame: frame}
			}
			delivered, err := d.Frames.Deliver(input.TabID, up)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &frameOutput{}
			out.Body.TabID = input.TabID
			out.Body.Digest = analysis.FrameDigest(up.Frame)
			out.Body.Delivered = delivered
			return out, nil
		})

	type decisionOutput struct {
		Body struct {
			TabID        string `json:"tab_id"`
			Choice       string `json:"choice"`
			BlockedCount int    `json:"blocked_count"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "record-decision", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/decision", Summary: "Record the user's answer to a warning", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id" minLength:"1" maxLength:"128"`
			Body  struct {
				Choice  string `json:"choice" required:"true" enum:"proceed,abandon"`
				CheckID string `json:"check_id,omitempty"`
			}
		}) (*decisionOutput, error) {
			count := d.Settings.Current().BlockedCount
			if input.Body.Choice == ChoiceAbandon {
				n, err := d.Settings.IncrementBlocked()
				if err != nil {
					return nil, mapErr(err)
				}
				count = n
			}
			if d.Journal != nil {
				d.Journal.Record(journal.Entry{
					Type:         journal.TypeDecision,
					TabID:        input.TabID,
					CheckID:      input.Body.CheckID,
					Choice:       input.Body.Choice,
					BlockedCount: count,
				})
			}
			out := &decisionOutput{}
			out.Body.TabID = input.TabID
			out.Body.Choice = input.Body.Choice
			out.Body.BlockedCount = count
			return out, nil
		})

	type tabsOutput struct {
		Body coordinator.State
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List monitored tabs and live safe-return markers", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			st, err := d.Coordinator.Snapshot(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body = st
			return out, nil
		})
}
