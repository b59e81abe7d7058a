package api

import "net/http"

// --- GET /visits/online ---

type OnlineHandler struct{ handlerDeps }

func (h *OnlineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n, err := h.tracker.OnlineCount(r.Context())
	if err != nil {
		writeError(w, "online count", err)
		return
	}
	writeData(w, map[string]int64{"onlineCount": n})
}

// --- GET /visits/trends ---

type TrendsHandler struct{ handlerDeps }

func (h *TrendsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeError(w, "trends", err)
		return
	}
	trends, err := h.aggregator.Trends(r.Context(), days)
	if err != nil {
		writeError(w, "trends", err)
		return
	}
	writeData(w, trends)
}

// --- GET /visits/pages ---

type PagesHandler struct{ handlerDeps }

func (h *PagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		writeError(w, "page stats", err)
		return
	}
	pages, err := h.aggregator.PageStats(r.Context(), limit)
	if err != nil {
		writeError(w, "page stats", err)
		return
	}
	writeData(w, pages)
}

// --- GET /visits/overview ---

type OverviewHandler struct{ handlerDeps }

func (h *OverviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o, err := h.aggregator.Overview(r.Context())
	if err != nil {
		writeError(w, "overview", err)
		return
	}
	writeData(w, o)
}

// --- GET /visits/popular ---

type PopularHandler struct{ handlerDeps }

func (h *PopularHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 5)
	if err != nil {
		writeError(w, "popular pages", err)
		return
	}
	pages, err := h.aggregator.PopularPages(r.Context(), limit)
	if err != nil {
		writeError(w, "popular pages", err)
		return
	}
	writeData(w, pages)
}

// --- GET /visits/referrers ---

type ReferrersHandler struct{ handlerDeps }

func (h *ReferrersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		writeError(w, "referrers", err)
		return
	}
	refs, err := h.aggregator.Referrers(r.Context(), limit)
	if err != nil {
		writeError(w, "referrers", err)
		return
	}
	writeData(w, refs)
}

// --- GET /visits/hourly ---

type HourlyHandler struct{ handlerDeps }

func (h *HourlyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hours, err := h.aggregator.Hourly(r.Context())
	if err != nil {
		writeError(w, "hourly distribution", err)
		return
	}
	writeData(w, hours)
}

// --- GET /visits/ip/{ip}/frequency ---

type IPFrequencyHandler struct{ handlerDeps }

func (h *IPFrequencyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		writeError(w, "ip frequency", err)
		return
	}
	n, err := h.store.IPFrequency(r.Context(), ip, hours)
	if err != nil {
		writeError(w, "ip frequency", err)
		return
	}
	writeData(w, struct {
		IPAddress string `json:"ipAddress"`
		Frequency int64  `json:"frequency"`
		Hours     int    `json:"hours"`
	}{ip, n, hours})
}

// --- GET /visits/realtime ---

type RealtimeHandler struct{ handlerDeps }

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, err := h.aggregator.Realtime(r.Context())
	if err != nil {
		writeError(w, "realtime", err)
		return
	}
	writeData(w, rt)
}

// --- GET /visits/dashboard ---

type DashboardHandler struct{ handlerDeps }

func (h *DashboardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	period, err := queryInt(r, "period", 7)
	if err != nil {
		writeError(w, "dashboard", err)
		return
	}
	d, err := h.aggregator.Dashboard(r.Context(), period)
	if err != nil {
		writeError(w, "dashboard", err)
		return
	}
	writeData(w, d)
}
