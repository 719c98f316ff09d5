package services

import (
	"context"
	"fmt"

	"marki/models"
	"marki/parse"
	"marki/utils"
)

type SetupResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// SetupClasses creates the Parse classes that do not exist yet and the
// VariablesGlobales singleton. Existing classes are left untouched.
func SetupClasses(ctx context.Context, pc *parse.Client) (SetupResult, error) {
	log := utils.Component("schema")
	res := SetupResult{Created: []string{}, Existing: []string{}}
	for _, schema := range models.Schemas() {
		created, err := pc.EnsureSchema(ctx, schema)
		if err != nil {
			return res, fmt.Errorf("ensure class %s: %w", schema.ClassName, err)
		}
		if created {
			log.WithField("class", schema.ClassName).Info("Parse class created")
			res.Created = append(res.Created, schema.ClassName)
		} else {
			res.Existing = append(res.Existing, schema.ClassName)
		}
	}

	if _, err := globals(ctx, pc); err != nil {
		return res, err
	}
	res.Success = true
	res.Message = fmt.Sprintf("%d classe(s) créée(s), %d déjà présente(s)", len(res.Created), len(res.Existing))
	return res, nil
}

// globals returns the VariablesGlobales row, creating it on first use.
func globals(ctx context.Context, pc *parse.Client) (models.GlobalVariables, error) {
	g, err := parse.First[models.GlobalVariables](ctx, pc, models.ClassGlobalVariables, parse.Query{Order: "createdAt"})
	if err == nil {
		return g, nil
	}
	if !parse.IsNotFound(err) {
		return g, fmt.Errorf("global variables: %w", err)
	}
	g = models.GlobalVariables{ActiveSyncConfigs: []string{}}
	res, err := pc.Create(ctx, models.ClassGlobalVariables, g)
	if err != nil {
		return g, fmt.Errorf("create global variables: %w", err)
	}
	g.ObjectID = res.ObjectID
	return g, nil
}
