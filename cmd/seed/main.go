package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/app"
	"github.com/hackgods/medication-adherence/internal/auth"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/logger"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/schedule"
)

type drug struct {
	name   string
	dosage string
	amount float64
	unit   string
	risk   schedule.RiskClass
	freq   schedule.Frequency
}

var formulary = []drug{
	{"Metformin", "500mg", 500, "mg", schedule.RiskStandard, schedule.FrequencyTwiceDaily},
	{"Lisinopril", "10mg", 10, "mg", schedule.RiskStandard, schedule.FrequencyDaily},
	{"Atorvastatin", "20mg", 20, "mg", schedule.RiskStandard, schedule.FrequencyDaily},
	{"Levothyroxine", "50mcg", 50, "mcg", schedule.RiskCritical, schedule.FrequencyDaily},
	{"Warfarin", "5mg", 5, "mg", schedule.RiskCritical, schedule.FrequencyDaily},
	{"Amoxicillin", "250mg", 250, "mg", schedule.RiskStandard, schedule.FrequencyThreeTimesDaily},
	{"Vitamin D3", "1000IU", 1000, "IU", schedule.RiskVitamin, schedule.FrequencyDaily},
	{"Alendronate", "70mg", 70, "mg", schedule.RiskStandard, schedule.FrequencyWeekly},
	{"Ibuprofen", "400mg", 400, "mg", schedule.RiskPRN, schedule.FrequencyAsNeeded},
}

var timeZones = []string{"America/New_York", "America/Chicago", "America/Los_Angeles", "Europe/London", "Europe/Berlin", "Asia/Kolkata"}

var relationships = []string{"daughter", "son", "spouse", "sibling", "caregiver", "friend"}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	zl, err := logger.New(config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, zl, nil)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	gofakeit.Seed(time.Now().UnixNano())
	verifier := auth.NewVerifier(cfg.Auth, a.Clock)

	count := envInt("SEED_PATIENTS", 50)
	log.Printf("seeding %d patients", count)
	for i := 0; i < count; i++ {
		p, err := seedPatient(ctx, a)
		if err != nil {
			log.Fatalf("seed patient: %v", err)
		}
		if i < 3 {
			tok, err := verifier.Issue(p.ID, 24*time.Hour)
			if err != nil {
				log.Fatalf("issue token: %v", err)
			}
			fmt.Printf("patient %s (%s)\n  token: %s\n", p.ID, p.Name, tok)
		}
		if (i+1)%10 == 0 {
			log.Printf("patients seeded: %d/%d", i+1, count)
		}
	}

	log.Println("seed complete")
}

func seedPatient(ctx context.Context, a *app.App) (*access.Patient, error) {
	tz := timeZones[gofakeit.Number(0, len(timeZones)-1)]
	p, err := a.Directory.CreatePatient(ctx, access.PatientInput{
		ID:       uuid.New(),
		Name:     gofakeit.Name(),
		TimeZone: tz,
		Contact: access.Contact{
			Email: gofakeit.Email(),
			Phone: gofakeit.Phone(),
		},
		Notifications: access.NotificationPreferences{
			QuietHours: &access.QuietHours{Enabled: gofakeit.Bool(), Start: "22:00", End: "07:00"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}

	for n := gofakeit.Number(0, 3); n > 0; n-- {
		edit := gofakeit.Bool()
		_, err := a.Directory.LinkFamilyMember(ctx, p.ID, access.MemberInput{
			MemberID:     uuid.New(),
			Name:         gofakeit.Name(),
			Relationship: relationships[gofakeit.Number(0, len(relationships)-1)],
			Contact:      access.Contact{Email: gofakeit.Email()},
			Permissions: access.Permissions{
				CanViewMedications:      true,
				CanEditMedications:      edit,
				CanReceiveNotifications: true,
				IsEmergencyContact:      n == 1,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("link family member: %w", err)
		}
	}

	loc, err := schedule.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	start := a.Clock.Now().In(loc).AddDate(0, 0, -gofakeit.Number(0, 60)).Format(time.DateOnly)

	picked := map[int]bool{}
	for n := gofakeit.Number(1, 4); n > 0; n-- {
		idx := gofakeit.Number(0, len(formulary)-1)
		if picked[idx] {
			continue
		}
		picked[idx] = true
		d := formulary[idx]

		in := medication.CreateInput{
			PatientID:  p.ID,
			Name:       d.name,
			Dosage:     d.dosage,
			DoseAmount: d.amount,
			DoseUnit:   d.unit,
			Route:      "oral",
			Schedule: medication.ScheduleInput{
				Frequency: d.freq,
				StartDate: start,
				TimeZone:  tz,
			},
			Reminders:   medication.Reminders{Enabled: true, MinutesBefore: []int{15}},
			GracePeriod: schedule.GracePolicy{RiskClass: d.risk},
		}
		if d.freq == schedule.FrequencyWeekly {
			in.Schedule.DaysOfWeek = []int{gofakeit.Number(0, 6)}
		}
		if _, err := a.Medication.CreateCommand(ctx, in, p.ID); err != nil {
			a.Logger.Warn("skipping medication", zap.String("name", d.name), zap.Error(err))
		}
	}
	return p, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
