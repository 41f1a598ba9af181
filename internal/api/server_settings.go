package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/dgnsrekt/impulse_guard/internal/settings"
)

type settingsView struct {
	APIKey            string  `json:"classifier_api_key" doc:"Redacted; only the last four characters are shown"`
	HasAPIKey         bool    `json:"has_classifier_api_key"`
	DistressThreshold float64 `json:"distress_threshold"`
	AngerThreshold    float64 `json:"anger_threshold"`
	BlockedCount      int     `json:"blocked_count"`
}

func viewSettings(s settings.Settings) settingsView {
	return settingsView{
		APIKey:            redact(s.APIKey),
		HasAPIKey:         s.HasCredential(),
		DistressThreshold: s.DistressThreshold,
		AngerThreshold:    s.AngerThreshold,
		BlockedCount:      s.BlockedCount,
	}
}

func redact(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return ""
	case len(key) <= 4:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}

func registerSettingsHandlers(api huma.API, d Deps) {
	type settingsOutput struct {
		Body settingsView
	}

	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Get settings", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			out := &settingsOutput{}
			out.Body = viewSettings(d.Settings.Current())
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "update-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Update settings; omitted fields are left unchanged", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct {
			Body struct {
				APIKey            *string  `json:"classifier_api_key,omitempty" doc:"Empty string clears the key"`
				DistressThreshold *float64 `json:"distress_threshold,omitempty" minimum:"0" maximum:"1"`
				AngerThreshold    *float64 `json:"anger_threshold,omitempty" minimum:"0" maximum:"1"`
				ResetBlockedCount bool     `json:"reset_blocked_count,omitempty"`
			}
		}) (*settingsOutput, error) {
			b := input.Body
			next, err := d.Settings.Update(func(s *settings.Settings) {
				if b.APIKey != nil {
					s.APIKey = strings.TrimSpace(*b.APIKey)
				}
				if b.DistressThreshold != nil {
					s.DistressThreshold = *b.DistressThreshold
				}
				if b.AngerThreshold != nil {
					s.AngerThreshold = *b.AngerThreshold
				}
				if b.ResetBlockedCount {
					s.BlockedCount = 0
				}
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &settingsOutput{}
			out.Body = viewSettings(next)
			return out, nil
		})

	type statsOutput struct {
		Body struct {
			BlockedCount  int `json:"blocked_count"`
			ActiveTabs    int `json:"active_tabs"`
			PendingChecks int `json:"pending_checks"`
			Warned        int `json:"warned"`
			SafeReturns   int `json:"safe_returns"`
			EventClients  int `json:"event_clients"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Blocked purchases and current activity", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			st, err := d.Coordinator.Snapshot(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statsOutput{}
			out.Body.BlockedCount = d.Settings.Current().BlockedCount
			out.Body.ActiveTabs = len(st.Tabs)
			out.Body.SafeReturns = len(st.SafeReturns)
			for _, tab := range st.Tabs {
				switch tab.Phase {
				case coordinator.PhasePendingCheck:
					out.Body.PendingChecks++
				case coordinator.PhaseWarned:
					out.Body.Warned++
				}
			}
			if d.Events != nil {
				out.Body.EventClients = d.Events.ClientCount()
			}
			return out, nil
		})
}
