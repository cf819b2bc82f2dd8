// Package seed загружает программы лояльности из YAML-файла для dev-тенантов.
//
// Формат:
//
//	programs:
//	  - business_id: biz-bournemouth-bakery
//	    city: bournemouth
//	    name: Coffee card
//	    type: stamps
//	    reward_threshold: 8
//	    reward_description: Free coffee
//	    staff_pin: "4821"
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/features/loyalty"
)

// File — содержимое файла фикстур.
type File struct {
	Programs []Program `yaml:"programs"`
}

// Program — одна программа в фикстурах.
type Program struct {
	BusinessID         string `yaml:"business_id"`
	City               string `yaml:"city"`
	Name               string `yaml:"name"`
	Type               string `yaml:"type"`
	RewardThreshold    int64  `yaml:"reward_threshold"`
	RewardDescription  string `yaml:"reward_description"`
	EarnInstructions   string `yaml:"earn_instructions"`
	RedeemInstructions string `yaml:"redeem_instructions"`
	MaxEarnsPerDay     int    `yaml:"max_earns_per_day"`
	MinGapMinutes      int    `yaml:"min_gap_minutes"`
	PointsPerEarnMax   int64  `yaml:"points_per_earn_max"`
	StaffPIN           string `yaml:"staff_pin"`
}

// Programs — операции сервиса лояльности, нужные для сидинга.
type Programs interface {
	CreateProgram(ctx context.Context, actor common.Actor, in loyalty.CreateProgramInput) (*loyalty.Program, error)
	ListOwnPrograms(ctx context.Context, actor common.Actor) ([]*loyalty.Program, error)
}

// Load читает фикстуры из файла.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия фикстур: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse разбирает YAML. Неизвестные поля — ошибка.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("ошибка разбора фикстур: %w", err)
	}
	for i, p := range file.Programs {
		if strings.TrimSpace(p.BusinessID) == "" || strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("programs[%d]: business_id и name обязательны", i)
		}
	}
	return &file, nil
}

// Apply создаёт программы, которых у бизнеса ещё нет (по имени, без учёта регистра).
// Возвращает число созданных программ.
func Apply(ctx context.Context, programs Programs, file *File) (int, error) {
	created := 0
	for _, fp := range file.Programs {
		actor := common.Actor{
			UserID:     "seed",
			Role:       common.RoleBusiness,
			BusinessID: fp.BusinessID,
			City:       fp.City,
		}

		existing, err := programs.ListOwnPrograms(ctx, actor)
		if err != nil {
			return created, fmt.Errorf("ошибка чтения программ %s: %w", fp.BusinessID, err)
		}
		if hasProgram(existing, fp.Name) {
			continue
		}

		p, err := programs.CreateProgram(ctx, actor, loyalty.CreateProgramInput{
			Name:               fp.Name,
			Type:               loyalty.ProgramType(fp.Type),
			RewardThreshold:    fp.RewardThreshold,
			RewardDescription:  fp.RewardDescription,
			EarnInstructions:   fp.EarnInstructions,
			RedeemInstructions: fp.RedeemInstructions,
			MaxEarnsPerDay:     fp.MaxEarnsPerDay,
			MinGapMinutes:      fp.MinGapMinutes,
			PointsPerEarnMax:   fp.PointsPerEarnMax,
			StaffPIN:           fp.StaffPIN,
		})
		if err != nil {
			return created, fmt.Errorf("ошибка создания программы %q: %w", fp.Name, err)
		}
		created++

		log.WithFields(log.Fields{
			"program_id":  p.ID,
			"business_id": p.BusinessID,
			"scan_code":   p.ScanCode,
		}).Info("Seed: программа создана")
	}
	return created, nil
}

func hasProgram(programs []*loyalty.Program, name string) bool {
	for _, p := range programs {
		if p.Status != loyalty.StatusEnded && strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}
