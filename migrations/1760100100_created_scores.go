package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("scores")

		collection.Fields.Add(
			&core.TextField{
				Name:     "client_id",
				Required: true,
				Max:      255,
			},
			&core.NumberField{
				Name: "value",
			},
			&core.TextField{
				Name: "reason",
				Max:  500,
			},
			&core.AutodateField{
				Name:     "created",
				OnCreate: true,
			},
		)

		collection.AddIndex("idx_scores_client", false, "client_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("scores")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
