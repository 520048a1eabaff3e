// Package httpapi exposes the simulated ECU over HTTP for test harnesses
// that drive it remotely rather than over the diagnostic link.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bms-simulator/bms"
)

// ECUHandler binds the simulation facade to the /ecu routes.
type ECUHandler struct {
	sim *bms.Simulation
}

func NewECUHandler(sim *bms.Simulation) *ECUHandler {
	return &ECUHandler{sim: sim}
}

// simError maps facade errors onto HTTP status codes: unknown cells are 404,
// bad values are 400.
func simError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bms.ErrCellOutOfRange):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, bms.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func cellID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cell id must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *ECUHandler) Start(c *gin.Context) {
	h.sim.Start()
	c.JSON(http.StatusOK, gin.H{"running": true, "run_id": h.sim.Status().RunID})
}

func (h *ECUHandler) Stop(c *gin.Context) {
	h.sim.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (h *ECUHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.sim.Status())
}

// State serves the scalar sub-resources under /ecu/state.
func (h *ECUHandler) State(c *gin.Context) {
	st := h.sim.Status()
	switch c.Param("field") {
	case "soc":
		c.JSON(http.StatusOK, gin.H{"soc": st.SOC})
	case "voltage":
		c.JSON(http.StatusOK, gin.H{"voltage": st.Voltage})
	case "current":
		c.JSON(http.StatusOK, gin.H{"current": st.Current})
	case "temperature":
		c.JSON(http.StatusOK, gin.H{"temperature": st.Temperature})
	case "soh":
		c.JSON(http.StatusOK, gin.H{"soh": st.SOH})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown state field"})
	}
}

func (h *ECUHandler) GetCellVoltage(c *gin.Context) {
	id, ok := cellID(c)
	if !ok {
		return
	}
	v, err := h.sim.CellVoltage(id)
	if err != nil {
		simError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cell_id": id, "voltage": v})
}

func (h *ECUHandler) PutCellVoltage(c *gin.Context) {
	id, ok := cellID(c)
	if !ok {
		return
	}
	var req struct {
		Voltage *float64 `json:"voltage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Voltage == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"voltage\": <number>}"})
		return
	}
	if err := h.sim.SetCellVoltage(id, *req.Voltage); err != nil {
		simError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cell_id": id, "voltage": *req.Voltage})
}

func (h *ECUHandler) GetCellTemperature(c *gin.Context) {
	id, ok := cellID(c)
	if !ok {
		return
	}
	temp, err := h.sim.CellTemperature(id)
	if err != nil {
		simError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cell_id": id, "temperature": temp})
}

func (h *ECUHandler) PutCellTemperature(c *gin.Context) {
	id, ok := cellID(c)
	if !ok {
		return
	}
	var req struct {
		Temperature *float64 `json:"temperature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Temperature == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"temperature\": <number>}"})
		return
	}
	if err := h.sim.SetCellTemperature(id, *req.Temperature); err != nil {
		simError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cell_id": id, "temperature": *req.Temperature})
}

func (h *ECUHandler) Charge(c *gin.Context) {
	var req struct {
		Current         *float64 `json:"current"`
		DurationSeconds *float64 `json:"duration_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Current == nil || req.DurationSeconds == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"current\": <A>, \"duration_seconds\": <s>}"})
		return
	}
	newSOC, err := h.sim.ApplyCurrent(*req.Current, *req.DurationSeconds)
	if err != nil {
		simError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"new_soc": newSOC})
}

func (h *ECUHandler) Balance(c *gin.Context) {
	h.sim.BalanceCells()
	c.JSON(http.StatusOK, gin.H{"balanced": true})
}

func (h *ECUHandler) Faults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"faults": h.sim.ActiveFaults(),
		"dtc":    h.sim.DTC(),
	})
}

func (h *ECUHandler) ClearDTC(c *gin.Context) {
	h.sim.ClearDTC()
	c.JSON(http.StatusOK, gin.H{"cleared": true, "dtc": h.sim.DTC()})
}

func (h *ECUHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": h.sim.Running()})
}
