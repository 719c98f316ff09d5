package controller

import (
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/middleware"
	"marki/parse"
	"marki/services"
	"marki/utils"
)

type SyncController struct {
	Configs  *services.SyncConfigService
	Distinct *services.DistinctService
	Parse    *parse.Client
	Logger   *logrus.Entry
}

func NewSyncController(configs *services.SyncConfigService, distinct *services.DistinctService, pc *parse.Client) *SyncController {
	return &SyncController{
		Configs:  configs,
		Distinct: distinct,
		Parse:    pc,
		Logger:   utils.Component("sync_controller"),
	}
}

type createSyncConfigRequest struct {
	ConfigData  services.SyncConfigData `json:"configData"`
	Credentials services.Credentials    `json:"credentials"`
}

type updateSyncConfigRequest struct {
	services.SyncConfigData
	Credentials *services.Credentials `json:"credentials"`
}

func (sc *SyncController) Create(c *fiber.Ctx) error {
	var req createSyncConfigRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	createdBy := ""
	if sess := middleware.CurrentSession(c); sess != nil {
		createdBy = sess.ObjectID
	}

	id, err := sc.Configs.Create(c.UserContext(), req.ConfigData, req.Credentials, createdBy)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la création de la configuration")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":  true,
		"configId": id,
		"message":  "Configuration créée avec succès",
	})
}

func (sc *SyncController) List(c *fiber.Ctx) error {
	limit, err := utils.ParsePositiveInt(c.Query("limit"), 100)
	if err != nil {
		return badRequest(c, "limit doit être un entier positif")
	}
	skip := c.QueryInt("skip", 0)
	if skip < 0 {
		return badRequest(c, "skip doit être positif")
	}

	configs, err := sc.Configs.List(c.UserContext(), services.SyncListOptions{
		Filter: c.Query("filter"),
		Limit:  limit,
		Skip:   skip,
	})
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération des configurations")
	}
	return c.JSON(configs)
}

func (sc *SyncController) Get(c *fiber.Ctx) error {
	cfg, err := sc.Configs.Get(c.UserContext(), c.Params("configId"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de la configuration")
	}
	return c.JSON(cfg)
}

func (sc *SyncController) Update(c *fiber.Ctx) error {
	var req updateSyncConfigRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := sc.Configs.Update(c.UserContext(), c.Params("configId"), req.SyncConfigData, req.Credentials); err != nil {
		return serviceError(c, err, "Erreur lors de la mise à jour de la configuration")
	}
	return c.JSON(fiber.Map{"success": true, "message": "Configuration mise à jour avec succès"})
}

func (sc *SyncController) Delete(c *fiber.Ctx) error {
	if err := sc.Configs.Delete(c.UserContext(), c.Params("configId")); err != nil {
		return serviceError(c, err, "Erreur lors de la suppression de la configuration")
	}
	return c.JSON(fiber.Map{"success": true, "message": "Configuration supprimée avec succès"})
}

// Test previews the first rows of the source query. Served on GET and POST.
func (sc *SyncController) Test(c *fiber.Ctx) error {
	res, err := sc.Configs.Test(c.UserContext(), c.Params("configId"))
	if err != nil {
		return serviceError(c, err, "Erreur lors du test de la configuration")
	}
	return c.JSON(res)
}

func (sc *SyncController) Run(c *fiber.Ctx) error {
	res, err := sc.Configs.Run(c.UserContext(), c.Params("configId"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'exécution de la synchronisation")
	}
	return c.JSON(res)
}

func (sc *SyncController) Logs(c *fiber.Ctx) error {
	limit, err := utils.ParsePositiveInt(c.Query("limit"), 50)
	if err != nil {
		return badRequest(c, "limit doit être un entier positif")
	}
	skip := c.QueryInt("skip", 0)
	if skip < 0 {
		return badRequest(c, "skip doit être positif")
	}
	logs, err := sc.Configs.Logs(c.UserContext(), c.Params("configId"), limit, skip)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération des logs")
	}
	return c.JSON(logs)
}

// SyncImpayes runs the Impayes synchronisation, using the first active
// configuration when none is given.
func (sc *SyncController) SyncImpayes(c *fiber.Ctx) error {
	var req struct {
		ConfigID string `json:"configId"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := sc.Configs.SyncImpayes(c.UserContext(), req.ConfigID)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la synchronisation des impayés")
	}
	return c.JSON(res)
}

// InitCollections creates the Parse classes that are missing.
func (sc *SyncController) InitCollections(c *fiber.Ctx) error {
	res, err := services.SetupClasses(c.UserContext(), sc.Parse)
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'initialisation des collections")
	}
	return c.JSON(res)
}

func (sc *SyncController) DistinctValues(c *fiber.Ctx) error {
	if sc.Distinct == nil {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Base de données Parse non configurée", nil)
	}
	column, err := url.PathUnescape(c.Params("columnName"))
	if err != nil {
		return badRequest(c, "Nom de colonne invalide")
	}
	limit, err := utils.ParsePositiveInt(c.Query("limit"), 50)
	if err != nil {
		return badRequest(c, "limit doit être un entier positif")
	}
	res, err := sc.Distinct.Values(c.UserContext(), column, limit)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération des valeurs distinctes")
	}
	return c.JSON(res)
}

// DistinctValuesRedirect sends POST callers to the GET form.
func (sc *SyncController) DistinctValuesRedirect(c *fiber.Ctx) error {
	var req struct {
		ColumnName string `json:"columnName" validate:"required"`
		Limit      int    `json:"limit" validate:"min=0"`
	}
	if err := bindValid(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	target := "/api/distinct-values/" + url.PathEscape(req.ColumnName)
	if req.Limit > 0 {
		target += "?limit=" + strconv.Itoa(req.Limit)
	}
	return c.Redirect(target, fiber.StatusTemporaryRedirect)
}
