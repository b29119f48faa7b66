package app

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agrolink/relay/internal/model"
	"agrolink/relay/internal/store"
)

const (
	tableReadings = 100
	nodeReadings  = 50
)

//go:embed templates/*.html
var templateFS embed.FS

var viewFuncs = template.FuncMap{
	"num": func(v *float64, decimals int) string {
		if v == nil {
			return "-"
		}
		return strconv.FormatFloat(*v, 'f', decimals, 64)
	},
	"light": func(lux, pct *float64) string {
		switch {
		case lux != nil && pct != nil:
			return fmt.Sprintf("%.2f - %.0f%%", *lux, *pct)
		case lux != nil:
			return strconv.FormatFloat(*lux, 'f', 2, 64)
		case pct != nil:
			return fmt.Sprintf("%.0f%%", *pct)
		default:
			return "-"
		}
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Local().Format(model.CreatedAtLayout)
	},
}

type views struct {
	home  *template.Template
	table *template.Template
	node  *template.Template
}

func parseViews() (*views, error) {
	parse := func(page string) (*template.Template, error) {
		return template.New(page).Funcs(viewFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+page)
	}

	var v views
	var err error
	if v.home, err = parse("home.html"); err != nil {
		return nil, fmt.Errorf("parse home view: %w", err)
	}
	if v.table, err = parse("table.html"); err != nil {
		return nil, fmt.Errorf("parse table view: %w", err)
	}
	if v.node, err = parse("node.html"); err != nil {
		return nil, fmt.Errorf("parse node view: %w", err)
	}
	return &v, nil
}

// render buffers the page so that a template error never sends a half-written page.
func (a *App) render(w http.ResponseWriter, t *template.Template, data any) error {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, t.Name(), data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := buf.WriteTo(w)
	return err
}

type homeView struct {
	GatewayIP string
	Stats     model.Stats
	Nodes     []string
	Locations []model.Location
	Recent    []model.SensorReading
}

// handleHome renders the summary page. Any failure degrades to a plain-text summary.
func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	data, err := a.loadHome(ctx)
	if err == nil {
		err = a.render(w, a.views.home, data)
	}
	if err != nil {
		a.logger.Error("failed to render home page", zap.Error(err))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "AgroLink relay\nGateway IP: %s\nLecturas: %d\n(vista detallada no disponible: %v)\n",
			orDash(data.GatewayIP), data.Stats.Total, err)
	}
}

func (a *App) loadHome(ctx context.Context) (homeView, error) {
	var v homeView

	info, err := a.store.GatewayAddress(ctx)
	if err != nil {
		return v, err
	}
	v.GatewayIP = info.IP

	if v.Stats, err = a.store.AggregateStats(ctx); err != nil {
		return v, err
	}
	if v.Nodes, err = a.store.DistinctNodes(ctx); err != nil {
		return v, err
	}
	if v.Locations, err = a.store.Locations(ctx); err != nil {
		return v, err
	}
	if v.Recent, err = a.store.ListRecent(ctx, 10); err != nil {
		return v, err
	}
	return v, nil
}

type tableView struct {
	GatewayIP string
	Readings  []model.SensorReading
}

func (a *App) handleTable(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	readings, err := a.store.ListRecent(ctx, tableReadings)
	if err != nil {
		a.logger.Error("failed to load readings", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	info, err := a.store.GatewayAddress(ctx)
	if err != nil {
		a.logger.Warn("failed to load gateway address", zap.Error(err))
	}

	if err := a.render(w, a.views.table, tableView{GatewayIP: info.IP, Readings: readings}); err != nil {
		a.logger.Error("failed to render table", zap.Error(err))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

type nodeView struct {
	NodeID   string
	Latest   *model.SensorReading
	Fields   model.FieldPresence
	Location *model.Location
	Readings []model.SensorReading
}

func (a *App) handleNodePage(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	v, err := a.loadNode(ctx, nodeID)
	if err != nil {
		a.logger.Error("failed to load node page", zap.String("node_id", nodeID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := a.render(w, a.views.node, v); err != nil {
		a.logger.Error("failed to render node page", zap.Error(err))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) loadNode(ctx context.Context, nodeID string) (nodeView, error) {
	v := nodeView{NodeID: nodeID}

	readings, err := a.store.ListPaginated(ctx, nodeReadings, 0, nodeID)
	if err != nil {
		return v, err
	}
	v.Readings = readings
	if len(readings) > 0 {
		v.Latest = &readings[0]
	}

	if v.Fields, err = a.store.FieldsPresent(ctx, nodeID); err != nil {
		return v, err
	}

	loc, err := a.store.LatestLocation(ctx, nodeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return v, err
	default:
		v.Location = &loc
	}
	return v, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
