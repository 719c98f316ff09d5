package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/middleware"
	"marki/services"
	"marki/utils"
)

type UserController struct {
	Users  *services.UserService
	Logger *logrus.Entry
}

func NewUserController(users *services.UserService) *UserController {
	return &UserController{
		Users:  users,
		Logger: utils.Component("user_controller"),
	}
}

func (uc *UserController) List(c *fiber.Ctx) error {
	users, err := uc.Users.List(c.UserContext())
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération des utilisateurs")
	}
	return c.JSON(utils.SuccessResponse(users))
}

func (uc *UserController) Get(c *fiber.Ctx) error {
	user, err := uc.Users.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de l'utilisateur")
	}
	return c.JSON(utils.SuccessResponse(user))
}

func (uc *UserController) Create(c *fiber.Ctx) error {
	var req services.CreateUserInput
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	id, err := uc.Users.Create(c.UserContext(), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la création de l'utilisateur")
	}
	uc.Logger.WithField("user_id", id).Info("User created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{"objectId": id}))
}

func (uc *UserController) Update(c *fiber.Ctx) error {
	var req services.UpdateUserInput
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := uc.Users.Update(c.UserContext(), c.Params("id"), req); err != nil {
		return serviceError(c, err, "Erreur lors de la mise à jour de l'utilisateur")
	}
	return c.JSON(fiber.Map{"success": true, "message": "Utilisateur mis à jour"})
}

func (uc *UserController) Delete(c *fiber.Ctx) error {
	if err := uc.Users.Delete(c.UserContext(), c.Params("id")); err != nil {
		return serviceError(c, err, "Erreur lors de la suppression de l'utilisateur")
	}
	return c.JSON(fiber.Map{"success": true, "message": "Utilisateur supprimé"})
}

func (uc *UserController) ChangePassword(c *fiber.Ctx) error {
	var req struct {
		NewPassword string `json:"newPassword"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := uc.Users.ChangePassword(c.UserContext(), c.Params("id"), req.NewPassword); err != nil {
		return serviceError(c, err, "Erreur lors du changement de mot de passe")
	}
	return c.JSON(fiber.Map{"success": true, "message": "Mot de passe modifié"})
}

func (uc *UserController) SetActive(c *fiber.Ctx) error {
	var req struct {
		IsActive interface{} `json:"is_active"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	active, err := uc.Users.SetActive(c.UserContext(), c.Params("id"), req.IsActive)
	if err != nil {
		return serviceError(c, err, "Erreur lors du changement de statut")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"objectId": c.Params("id"), "is_active": active}))
}

func (uc *UserController) Search(c *fiber.Ctx) error {
	users, err := uc.Users.Search(c.UserContext(), c.Query("searchTerm"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la recherche")
	}
	return c.JSON(utils.SuccessResponse(users))
}

func (uc *UserController) Current(c *fiber.Ctx) error {
	user, err := uc.Users.Current(c.UserContext(), middleware.CurrentSession(c))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de l'utilisateur courant")
	}
	return c.JSON(utils.SuccessResponse(user))
}

func (uc *UserController) CurrentFullInfo(c *fiber.Ctx) error {
	info, err := uc.Users.CurrentFullInfo(c.UserContext(), middleware.CurrentSession(c))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de l'utilisateur courant")
	}
	return c.JSON(utils.SuccessResponse(info))
}
