package devices

import (
	"time"

	"github.com/iwtcode/microscopeAdapter/models"
)

// Виды показаний в сводке.
const (
	ReadingXYStage = "xy-stage"
	ReadingStage   = "stage"
)

// Aggregate опрашивает устройства последовательно и собирает одну сводку.
// Ошибка отдельного устройства записывается в его показание и не прерывает
// сбор. Хабы в сводку не попадают.
func Aggregate(devs []Device, claims []models.HandleClaim) *models.Snapshot {
	snap := &models.Snapshot{
		Timestamp: time.Now().UTC(),
		Stages:    []models.StageReading{},
		Shutters:  []models.ShutterReading{},
		Claims:    claims,
	}
	if snap.Claims == nil {
		snap.Claims = []models.HandleClaim{}
	}

	for _, d := range devs {
		switch dev := d.(type) {
		case XYStage:
			r := readXYStage(dev)
			snap.HasErrors = snap.HasErrors || r.Error != ""
			snap.Stages = append(snap.Stages, r)
		case Stage:
			r := readStage(dev)
			snap.HasErrors = snap.HasErrors || r.Error != ""
			snap.Stages = append(snap.Stages, r)
		case Shutter:
			r := models.ShutterReading{Name: dev.Name()}
			open, err := dev.GetOpen()
			if err != nil {
				r.Error = err.Error()
				snap.HasErrors = true
			}
			r.Open = open
			snap.Shutters = append(snap.Shutters, r)
		}
	}
	return snap
}

func readXYStage(s XYStage) models.StageReading {
	r := models.StageReading{Name: s.Name(), Kind: ReadingXYStage}

	// 1. Позиция
	x, y, err := s.GetPositionUm()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.XUm, r.YUm = x, y

	// 2. Занятость
	busy, err := s.Busy()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Busy = busy

	// 3. Пределы
	xl, yl, err := s.GetLimitsUm()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Limits = []models.Limits{xl, yl}
	return r
}

func readStage(s Stage) models.StageReading {
	r := models.StageReading{Name: s.Name(), Kind: ReadingStage}

	pos, err := s.GetPositionUm()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.XUm = pos

	busy, err := s.Busy()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Busy = busy

	l, err := s.GetLimits()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Limits = []models.Limits{l}
	return r
}
