package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/logging"
)

var specialties = []string{
	"General Practice",
	"Physiotherapy",
	"Psychology",
	"Nutrition",
	"Speech Therapy",
	"Occupational Therapy",
	"Cardiology",
	"Dermatology",
	"Pediatrics",
	"Orthopedics",
}

func main() {
	clinics := flag.Int("clinics", 2, "number of clinics")
	professionals := flag.Int("professionals", 12, "professionals per clinic")
	patients := flag.Int("patients", 2000, "patients per clinic")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "faker seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()
	log.Info().Uint64("seed", *seed).Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "agenda-seed"})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	faker := gofakeit.New(*seed)
	runCtx := context.Background()

	catalog, err := seedCatalog(runCtx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("seed specialty catalog")
	}

	for i := 0; i < *clinics; i++ {
		clinicID := uuid.New()
		name := faker.Company() + " Clinic"
		if _, err := pool.Exec(runCtx, `INSERT INTO clinics (id, name) VALUES ($1, $2)`, clinicID, name); err != nil {
			log.Fatal().Err(err).Msg("insert clinic")
		}
		clog := log.With().Str("clinic_id", clinicID.String()).Logger()

		offered, err := seedClinicSpecialties(runCtx, pool, faker, clinicID, catalog)
		if err != nil {
			clog.Fatal().Err(err).Msg("seed clinic specialties")
		}
		if err := seedProfessionals(runCtx, pool, faker, clinicID, offered, *professionals); err != nil {
			clog.Fatal().Err(err).Msg("seed professionals")
		}
		if err := seedPatients(runCtx, pool, faker, clinicID, *patients); err != nil {
			clog.Fatal().Err(err).Msg("seed patients")
		}
		clog.Info().Str("name", name).Int("specialties", len(offered)).Msg("clinic seeded")
	}

	log.Info().Msg("seed complete")
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(specialties))
	for _, name := range specialties {
		var id uuid.UUID
		err := pool.QueryRow(ctx, `
			INSERT INTO specialty_catalog (id, name)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, uuid.New(), name).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert %q: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// seedClinicSpecialties offers a random subset of the catalog. Capacity 0 rows
// are kept on purpose so the clinic has a configured but unbookable specialty.
func seedClinicSpecialties(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, clinicID uuid.UUID, catalog []uuid.UUID) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var offered []uuid.UUID
	favorites := 0
	for _, specID := range catalog {
		if faker.Number(0, 9) < 3 {
			continue
		}
		capacity := faker.Number(0, 6)
		favorite := capacity > 0 && favorites < 4 && faker.Bool()
		if favorite {
			favorites++
		}
		var customName *string
		if faker.Number(0, 9) == 0 {
			n := faker.JobTitle()
			customName = &n
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO clinic_specialties (id, clinic_id, specialty_id, custom_name, capacity, favorite)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), clinicID, specID, customName, capacity, favorite)
		if err != nil {
			return nil, err
		}
		offered = append(offered, specID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return offered, nil
}

func seedProfessionals(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, clinicID uuid.UUID, offered []uuid.UUID, count int) error {
	if len(offered) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := 0; i < count; i++ {
		specID := offered[faker.Number(0, len(offered)-1)]
		batch.Queue(`
			INSERT INTO professionals (id, clinic_id, specialty_id, name, active)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), clinicID, specID, faker.Name(), faker.Number(0, 9) > 0)
	}
	return pool.SendBatch(ctx, batch).Close()
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, clinicID uuid.UUID, count int) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			var phone *string
			if faker.Number(0, 9) > 0 {
				p := fmt.Sprintf("(%02d) 9%04d-%04d", faker.Number(11, 99), faker.Number(0, 9999), faker.Number(0, 9999))
				phone = &p
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, clinic_id, name, phone)
				VALUES ($1, $2, $3, $4)
			`, uuid.New(), clinicID, faker.Name(), phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	return nil
}
